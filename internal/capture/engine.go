package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrdadan/snapq/internal/artifact"
	"github.com/ahrdadan/snapq/internal/browser"
	"github.com/ahrdadan/snapq/internal/imaging"
	"go.uber.org/zap"
)

// DefaultNavigationTimeout bounds navigation plus network settling.
const DefaultNavigationTimeout = 30 * time.Second

// State is a step of the per-request capture sequence.
type State string

const (
	StateAdmitted       State = "admitted"
	StatePageOpened     State = "page_opened"
	StateViewportSet    State = "viewport_set"
	StateNavigated      State = "navigated"
	StateTargetResolved State = "target_resolved"
	StateCaptured       State = "captured"
	StatePostProcessed  State = "post_processed"
	StateClosed         State = "closed"
)

// Result is the outcome of a successful capture.
type Result struct {
	ImageURL  string               `json:"imageUrl,omitempty"`
	ImageURLs []string             `json:"imageUrls,omitempty"`
	Artifacts []*artifact.Artifact `json:"-"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Viewport          browser.Viewport
	NavigationTimeout time.Duration
	DefaultWidth      int
}

// Engine drives one leased page through viewport, navigation, resolution,
// capture and post-processing. It never retries.
type Engine struct {
	cfg      EngineConfig
	resolver *Resolver
	store    *artifact.Store
	log      *zap.Logger
}

// NewEngine creates an engine publishing into store.
func NewEngine(cfg EngineConfig, resolver *Resolver, store *artifact.Store, log *zap.Logger) *Engine {
	if cfg.Viewport.Width == 0 {
		cfg.Viewport = browser.MobileViewport()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = imaging.DefaultWidth
	}
	if log == nil {
		log = zap.NewNop()
	}
	if resolver.Viewport.Width == 0 {
		resolver.Viewport = cfg.Viewport
	}
	return &Engine{cfg: cfg, resolver: resolver, store: store, log: log}
}

// Run executes req on page. The caller owns page and closes it.
func (e *Engine) Run(ctx context.Context, page browser.Page, req *Request) (*Result, error) {
	mode, err := req.Mode()
	if err != nil {
		return nil, newError(KindValidation, "mode", err)
	}
	log := e.log.With(zap.String("request_id", RequestID(ctx)), zap.Stringer("mode", mode))

	if err := page.SetViewport(e.cfg.Viewport); err != nil {
		return nil, newError(KindBrowser, "viewport", err)
	}
	log.Debug("state", zap.String("state", string(StateViewportSet)))

	if err := e.navigate(ctx, page, req.URL); err != nil {
		return nil, err
	}
	log.Debug("state", zap.String("state", string(StateNavigated)), zap.String("url", req.URL))

	width := req.OutputWidth(e.cfg.DefaultWidth)
	switch mode {
	case ModeSingle:
		return e.runSingle(ctx, log, page, req, width)
	case ModeMulti:
		return e.runMulti(ctx, log, page, req, width)
	default:
		return e.runSpan(ctx, log, page, req, width)
	}
}

func (e *Engine) navigate(ctx context.Context, page browser.Page, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	defer cancel()

	if err := page.Navigate(navCtx, url); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return newError(KindNavigation, "navigate", fmt.Errorf("timed out after %s: %w", e.cfg.NavigationTimeout, err))
		}
		return newError(KindNavigation, "navigate", err)
	}
	return nil
}

func (e *Engine) runSingle(ctx context.Context, log *zap.Logger, page browser.Page, req *Request, width int) (*Result, error) {
	el, err := e.resolver.Single(ctx, page, req.Selector)
	if err != nil {
		return nil, resolutionError(err)
	}
	log.Debug("state", zap.String("state", string(StateTargetResolved)), zap.String("selector", req.Selector))

	raw, err := el.Screenshot(ctx)
	if err != nil {
		return nil, newError(KindCapture, "screenshot", err)
	}
	log.Debug("state", zap.String("state", string(StateCaptured)), zap.Int("bytes", len(raw)))

	art, err := e.publish(ctx, req.Filename, raw, width)
	if err != nil {
		return nil, err
	}
	return &Result{ImageURL: art.URL, Artifacts: []*artifact.Artifact{art}}, nil
}

func (e *Engine) runMulti(ctx context.Context, log *zap.Logger, page browser.Page, req *Request, width int) (*Result, error) {
	resolved, err := e.resolver.Multi(ctx, page, req.Selectors)
	if err != nil {
		return nil, resolutionError(err)
	}
	log.Debug("state", zap.String("state", string(StateTargetResolved)),
		zap.Int("resolved", len(resolved)), zap.Int("requested", len(req.Selectors)))

	// A failing element is skipped like an unresolved one, so artifacts
	// already published are always reported back to the caller.
	res := &Result{ImageURLs: make([]string, 0, len(resolved))}
	var firstErr error
	for _, r := range resolved {
		art, err := e.captureElement(ctx, r, req.FilenamePrefix, width)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("selector skipped", zap.String("selector", r.Selector), zap.Error(err))
			continue
		}
		res.ImageURLs = append(res.ImageURLs, art.URL)
		res.Artifacts = append(res.Artifacts, art)
	}
	if len(res.Artifacts) == 0 && firstErr != nil {
		return nil, firstErr
	}
	log.Debug("state", zap.String("state", string(StatePostProcessed)), zap.Int("artifacts", len(res.Artifacts)))
	return res, nil
}

func (e *Engine) captureElement(ctx context.Context, r Resolved, prefix string, width int) (*artifact.Artifact, error) {
	raw, err := r.Element.Screenshot(ctx)
	if err != nil {
		return nil, newError(KindCapture, "screenshot", fmt.Errorf("%s: %w", r.Selector, err))
	}
	return e.publish(ctx, artifact.IndexedName(prefix, r.Index), raw, width)
}

func (e *Engine) runSpan(ctx context.Context, log *zap.Logger, page browser.Page, req *Request, width int) (*Result, error) {
	clip, err := e.resolver.Span(ctx, page, req.HeaderSelector, req.SummarySelector)
	if err != nil {
		return nil, resolutionError(err)
	}
	log.Debug("state", zap.String("state", string(StateTargetResolved)),
		zap.Float64("x", clip.X), zap.Float64("y", clip.Y),
		zap.Float64("width", clip.Width), zap.Float64("height", clip.Height))

	raw, err := page.CaptureClip(ctx, clip)
	if err != nil {
		return nil, newError(KindCapture, "screenshot", err)
	}

	art, err := e.publish(ctx, req.Filename, raw, width)
	if err != nil {
		return nil, err
	}
	return &Result{ImageURL: art.URL, Artifacts: []*artifact.Artifact{art}}, nil
}

func (e *Engine) publish(ctx context.Context, name string, raw []byte, width int) (*artifact.Artifact, error) {
	art, err := e.store.Publish(name, raw, width, RequestID(ctx))
	switch {
	case err == nil:
		return art, nil
	case errors.Is(err, artifact.ErrInvalidName):
		return nil, newError(KindValidation, "publish", err)
	case errors.Is(err, artifact.ErrStage):
		return nil, newError(KindCapture, "publish", err)
	default:
		return nil, newError(KindResize, "publish", err)
	}
}

func resolutionError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, ErrElementNotFound) {
			return newError(KindNavigation, "resolve", err)
		}
	}
	return newError(KindResolution, "resolve", err)
}
