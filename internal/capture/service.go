// Package capture turns capture requests into published artifacts: it
// validates requests, takes an admission slot, drives a browser page through
// the capture sequence and always gives both back.
package capture

import (
	"context"
	"time"

	"github.com/ahrdadan/snapq/internal/browser"
	"github.com/ahrdadan/snapq/internal/session"
	"go.uber.org/zap"
)

// Service is the entry point the HTTP façade calls.
type Service struct {
	sessions *session.Manager
	engine   *Engine
	log      *zap.Logger
}

// NewService creates a capture service.
func NewService(sessions *session.Manager, engine *Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sessions: sessions, engine: engine, log: log.Named("capture")}
}

// Capture validates req, admits it, and runs it on a fresh page. The slot and
// page are released on every return path.
func (s *Service) Capture(ctx context.Context, req *Request) (res *Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	slot, err := s.sessions.TryAdmit()
	if err != nil {
		s.log.Warn("capture rejected",
			zap.String("request_id", RequestID(ctx)),
			zap.Int("in_flight", s.sessions.InFlight()),
			zap.Int("capacity", s.sessions.Capacity()))
		return nil, newError(KindBusy, "admit", err)
	}

	start := time.Now()
	s.log.Debug("state", zap.String("request_id", RequestID(ctx)), zap.String("state", string(StateAdmitted)))

	var page browser.Page
	defer func() {
		if page != nil {
			if cerr := page.Close(); cerr != nil {
				s.log.Warn("failed to close page", zap.String("request_id", RequestID(ctx)), zap.Error(cerr))
			}
		}
		slot.Release()
		s.log.Debug("state", zap.String("request_id", RequestID(ctx)), zap.String("state", string(StateClosed)))

		fields := []zap.Field{
			zap.String("request_id", RequestID(ctx)),
			zap.String("url", req.URL),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			s.log.Error("capture failed", append(fields, zap.Stringer("kind", KindOf(err)), zap.Error(err))...)
			return
		}
		s.log.Info("capture finished", fields...)
	}()

	page, err = s.sessions.OpenPage(ctx)
	if err != nil {
		return nil, newError(KindBrowser, "open page", err)
	}
	s.log.Debug("state", zap.String("request_id", RequestID(ctx)), zap.String("state", string(StatePageOpened)))

	return s.engine.Run(ctx, page, req)
}

// InFlight returns the number of admitted requests.
func (s *Service) InFlight() int { return s.sessions.InFlight() }

// Capacity returns the admission limit.
func (s *Service) Capacity() int { return s.sessions.Capacity() }

// Sessions returns the underlying session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }
