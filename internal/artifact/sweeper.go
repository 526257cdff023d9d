package artifact

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ahrdadan/snapq/internal/events"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Retention defaults.
const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned  int
	Deleted  int
	Vanished int
	Failed   int
	Replaced int
	Freed    int64
}

// Sweeper periodically deletes artifacts older than maxAge.
type Sweeper struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	log      *zap.Logger
	hub      *events.Hub

	// stat is os.Lstat outside of tests.
	stat func(string) (fs.FileInfo, error)

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper over store's directory.
func NewSweeper(store *Store, maxAge, interval time.Duration, log *zap.Logger, hub *events.Hub) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		log:      log.Named("sweeper"),
		hub:      hub,
		stat:     os.Lstat,
	}
}

// Start runs a sweep immediately and then every interval until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
}

// Stop stops the background loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(time.Now())
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// Sweep deletes every regular file in the artifact and staging directories
// whose age at now exceeds maxAge. It never fails as a whole: per-file errors
// are logged and counted.
func (s *Sweeper) Sweep(now time.Time) SweepResult {
	var res SweepResult
	s.sweepDir(s.store.Dir(), now, true, &res)
	s.sweepDir(s.store.StagingDir(), now, false, &res)

	if res.Deleted > 0 || res.Failed > 0 {
		s.log.Info("sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("deleted", res.Deleted),
			zap.Int("vanished", res.Vanished),
			zap.Int("failed", res.Failed),
			zap.Int("replaced", res.Replaced),
			zap.String("freed", humanize.Bytes(uint64(res.Freed))))
	} else {
		s.log.Debug("sweep finished", zap.Int("scanned", res.Scanned))
	}
	return res
}

func (s *Sweeper) sweepDir(dir string, now time.Time, public bool, res *SweepResult) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("failed to read directory", zap.String("dir", dir), zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		res.Scanned++
		path := filepath.Join(dir, entry.Name())

		info, err := s.stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				res.Vanished++
				continue
			}
			res.Failed++
			s.log.Warn("failed to stat file", zap.String("path", path), zap.Error(err))
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			continue
		}

		removed, err := s.store.removeUnchanged(path, info)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				res.Vanished++
				continue
			}
			res.Failed++
			s.log.Warn("failed to delete file", zap.String("path", path), zap.Error(err))
			continue
		}
		if !removed {
			res.Replaced++
			s.log.Debug("file replaced during sweep", zap.String("path", path))
			continue
		}

		res.Deleted++
		res.Freed += info.Size()
		s.log.Debug("deleted old file",
			zap.String("path", path),
			zap.String("modified", humanize.RelTime(info.ModTime(), now, "ago", "from now")))

		if public {
			s.hub.Emit(events.Event{
				Type: events.ArtifactSwept,
				Name: entry.Name(),
				Size: info.Size(),
				At:   now.UTC(),
			})
		}
	}
}
