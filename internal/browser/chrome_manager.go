package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// DefaultCandidates lists the executable locations searched when no binary is configured.
var DefaultCandidates = []string{
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/snap/bin/chromium",
}

// ChromeConfig configures the shared Chrome instance.
type ChromeConfig struct {
	// Bin forces a specific executable. Empty means search Candidates.
	Bin        string
	Candidates []string
	// Download fetches a Chromium build when no executable is found.
	Download bool
	Revision int
	// Stealth creates pages through go-rod/stealth.
	Stealth bool
	Logger  *zap.Logger
}

// ChromeManager owns the single Chrome process shared by every request.
type ChromeManager struct {
	cfg      ChromeConfig
	log      *zap.Logger
	mu       sync.RWMutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	wsURL    string
	running  bool
}

// NewChromeManager creates a new Chrome manager. Call Start before OpenPage.
func NewChromeManager(cfg ChromeConfig) *ChromeManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates
	}
	return &ChromeManager{
		cfg: cfg,
		log: cfg.Logger.Named("browser"),
	}
}

// FindExecutable returns the first existing path among bin and candidates,
// then falls back to rod's own lookup.
func FindExecutable(bin string, candidates []string) (string, error) {
	if bin != "" {
		if _, err := os.Stat(bin); err != nil {
			return "", fmt.Errorf("configured browser %s: %w", bin, err)
		}
		return bin, nil
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	if path, has := launcher.LookPath(); has {
		return path, nil
	}

	return "", fmt.Errorf("no browser executable found in %d candidate paths", len(candidates))
}

// Start locates and launches Chrome and connects via CDP. An error here is fatal
// for the process.
func (m *ChromeManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	binPath, err := FindExecutable(m.cfg.Bin, m.cfg.Candidates)
	if err != nil {
		if !m.cfg.Download || m.cfg.Bin != "" {
			return err
		}
		m.log.Warn("no local browser, downloading chromium", zap.Error(err))
		binPath, err = InstallChrome(ctx, m.cfg.Revision)
		if err != nil {
			return err
		}
	}

	l := launcher.New().
		Bin(binPath).
		Headless(true).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("hide-scrollbars")

	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch chrome %s: %w", binPath, err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	m.log.Info("chrome started", zap.String("bin", binPath), zap.String("endpoint", wsURL))
	return nil
}

// Stop stops Chrome.
func (m *ChromeManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil && m.launcher == nil {
		return nil
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.Warn("failed to close chrome", zap.Error(err))
		}
	}

	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	m.log.Info("chrome stopped")
	return nil
}

// IsRunning reports whether Chrome is running.
func (m *ChromeManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetEndpoint returns the Chrome DevTools endpoint.
func (m *ChromeManager) GetEndpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wsURL
}

// OpenPage creates a new isolated tab on the shared browser.
func (m *ChromeManager) OpenPage(ctx context.Context) (Page, error) {
	m.mu.RLock()
	browser, running := m.browser, m.running
	m.mu.RUnlock()

	if !running || browser == nil {
		return nil, ErrUnavailable
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(browser.Context(ctx))
	} else {
		page, err = browser.Context(ctx).Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		if isConnectionError(err) {
			m.markCrashed(err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	return &rodPage{page: page}, nil
}

// markCrashed flags the browser as gone. The process keeps serving errors
// until an external supervisor restarts it.
func (m *ChromeManager) markCrashed(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.log.Error("chrome connection lost", zap.Error(cause))
	}
	m.running = false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Flattened transport errors only keep the message.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		msg == "eof" || strings.HasSuffix(msg, ": eof")
}
