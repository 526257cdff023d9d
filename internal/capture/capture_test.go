package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahrdadan/snapq/internal/artifact"
	"github.com/ahrdadan/snapq/internal/browser"
	"github.com/ahrdadan/snapq/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pngBytes(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fakeElement struct {
	box     browser.Rect
	boxErr  error
	shot    []byte
	shotErr error
}

func (e *fakeElement) Box(ctx context.Context) (browser.Rect, error) { return e.box, e.boxErr }

func (e *fakeElement) Screenshot(ctx context.Context) ([]byte, error) {
	if e.shotErr != nil {
		return nil, e.shotErr
	}
	return e.shot, nil
}

type fakePage struct {
	elements map[string]*fakeElement
	navErr   error
	gate     <-chan struct{}

	viewport  browser.Viewport
	clipCalls int
	clip      browser.Rect
	closed    int32
}

func (p *fakePage) SetViewport(vp browser.Viewport) error {
	p.viewport = vp
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.navErr
}

func (p *fakePage) WaitElement(ctx context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	el, ok := p.elements[selector]
	if !ok {
		return nil, ErrElementNotFound
	}
	return el, nil
}

func (p *fakePage) CaptureClip(ctx context.Context, clip browser.Rect) ([]byte, error) {
	p.clipCalls++
	p.clip = clip
	return pngBytes(int(clip.Width), int(clip.Height)), nil
}

func (p *fakePage) Close() error {
	atomic.AddInt32(&p.closed, 1)
	return nil
}

type fakeClient struct {
	running bool
	openErr error
	newPage func() *fakePage

	mu    sync.Mutex
	pages []*fakePage
}

func (c *fakeClient) IsRunning() bool     { return c.running }
func (c *fakeClient) GetEndpoint() string { return "ws://fake" }

func (c *fakeClient) OpenPage(ctx context.Context) (browser.Page, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	p := c.newPage()
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *fakeClient) closedCounts() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int32, len(c.pages))
	for i, p := range c.pages {
		out[i] = atomic.LoadInt32(&p.closed)
	}
	return out
}

type harness struct {
	svc      *Service
	sessions *session.Manager
	client   *fakeClient
	store    *artifact.Store
}

func newHarness(t *testing.T, capacity int, newPage func() *fakePage) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := artifact.NewStore(t.TempDir(), "http://localhost:8000/archives", log, nil)
	require.NoError(t, err)

	client := &fakeClient{running: true, newPage: newPage}
	sessions := session.NewManager(client, capacity)
	resolver := &Resolver{Timeout: 50 * time.Millisecond, Logger: log}
	engine := NewEngine(EngineConfig{}, resolver, store, log)
	return &harness{
		svc:      NewService(sessions, engine, log),
		sessions: sessions,
		client:   client,
		store:    store,
	}
}

func publicFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestCaptureSingle(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage {
		return &fakePage{elements: map[string]*fakeElement{
			"#chart": {box: browser.Rect{Width: 750, Height: 400}, shot: pngBytes(750, 400)},
		}}
	})

	res, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", Selector: "#chart", Filename: "report1",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/archives/report1.png", res.ImageURL)

	f, err := os.Open(filepath.Join(h.store.Dir(), "report1.png"))
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Width)
	assert.Equal(t, 160, cfg.Height)

	assert.Equal(t, []int32{1}, h.client.closedCounts())
	assert.Equal(t, 0, h.sessions.InFlight())
	assert.Equal(t, browser.MobileViewport(), h.client.pages[0].viewport)
}

func TestCaptureInvalidNameWritesNothing(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage { return &fakePage{} })

	_, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", Selector: "#chart", Filename: "bad/name",
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Empty(t, h.client.pages, "no page may be opened for an invalid request")
	assert.Empty(t, publicFiles(t, h.store.Dir()))
	assert.Equal(t, 0, h.sessions.InFlight())
}

func TestCaptureMultiSkipsMissingSelectors(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage {
		return &fakePage{elements: map[string]*fakeElement{
			".a": {box: browser.Rect{Width: 100, Height: 50}, shot: pngBytes(100, 50)},
			".c": {box: browser.Rect{Width: 200, Height: 80}, shot: pngBytes(200, 80)},
		}}
	})

	res, err := h.svc.Capture(context.Background(), &Request{
		URL:            "https://example.com",
		Selectors:      []string{".a", ".missing", ".c"},
		FilenamePrefix: "card",
		Width:          120,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://localhost:8000/archives/card-0.png",
		"http://localhost:8000/archives/card-2.png",
	}, res.ImageURLs)
	assert.ElementsMatch(t, []string{"card-0.png", "card-2.png"}, publicFiles(t, h.store.Dir()))
	assert.Equal(t, []int32{1}, h.client.closedCounts())
}

func TestCaptureMultiNothingResolved(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage { return &fakePage{} })

	_, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", Selectors: []string{".x", ".y"}, FilenamePrefix: "card",
	})
	require.Error(t, err)
	assert.Equal(t, KindResolution, KindOf(err))
	assert.ErrorIs(t, err, ErrNothingResolved)
	assert.Equal(t, []int32{1}, h.client.closedCounts())
	assert.Equal(t, 0, h.sessions.InFlight())
}

func TestCaptureMultiSkipsFailingElements(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage {
		return &fakePage{elements: map[string]*fakeElement{
			".a": {box: browser.Rect{Width: 100, Height: 50}, shot: pngBytes(100, 50)},
			".b": {box: browser.Rect{Width: 100, Height: 50}, shotErr: errors.New("node detached")},
			".c": {box: browser.Rect{Width: 100, Height: 50}, shot: []byte("not a png")},
			".d": {box: browser.Rect{Width: 200, Height: 80}, shot: pngBytes(200, 80)},
		}}
	})

	res, err := h.svc.Capture(context.Background(), &Request{
		URL:            "https://example.com",
		Selectors:      []string{".a", ".b", ".c", ".d"},
		FilenamePrefix: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://localhost:8000/archives/card-0.png",
		"http://localhost:8000/archives/card-3.png",
	}, res.ImageURLs)
	assert.ElementsMatch(t, []string{"card-0.png", "card-3.png"}, publicFiles(t, h.store.Dir()))
	assert.Equal(t, 0, h.sessions.InFlight())
}

func TestCaptureMultiAllElementsFail(t *testing.T) {
	h := newHarness(t, 5, func() *fakePage {
		return &fakePage{elements: map[string]*fakeElement{
			".a": {box: browser.Rect{Width: 100, Height: 50}, shotErr: errors.New("node detached")},
			".b": {box: browser.Rect{Width: 100, Height: 50}, shotErr: errors.New("node detached")},
		}}
	})

	_, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", Selectors: []string{".a", ".b"}, FilenamePrefix: "card",
	})
	require.Error(t, err)
	assert.Equal(t, KindCapture, KindOf(err))
	assert.Empty(t, publicFiles(t, h.store.Dir()))
	assert.Equal(t, []int32{1}, h.client.closedCounts())
}

func TestCaptureSpan(t *testing.T) {
	var page *fakePage
	h := newHarness(t, 5, func() *fakePage {
		page = &fakePage{elements: map[string]*fakeElement{
			"header":  {box: browser.Rect{X: 10, Y: 100, Width: 300, Height: 50}},
			"summary": {box: browser.Rect{X: 10, Y: 600, Width: 300, Height: 80}},
		}}
		return page
	})

	res, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", HeaderSelector: "header", SummarySelector: "summary", Filename: "span",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/archives/span.png", res.ImageURL)
	assert.Equal(t, 1, page.clipCalls)
	assert.Equal(t, browser.Rect{X: 0, Y: 100, Width: 375, Height: 580}, page.clip)
}

func TestCaptureSpanInvertedNeverCaptures(t *testing.T) {
	var page *fakePage
	h := newHarness(t, 5, func() *fakePage {
		page = &fakePage{elements: map[string]*fakeElement{
			"header":  {box: browser.Rect{Y: 600, Width: 300, Height: 50}},
			"summary": {box: browser.Rect{Y: 100, Width: 300, Height: 80}},
		}}
		return page
	})

	_, err := h.svc.Capture(context.Background(), &Request{
		URL: "https://example.com", HeaderSelector: "header", SummarySelector: "summary", Filename: "span",
	})
	require.Error(t, err)
	assert.Equal(t, KindResolution, KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidClip)
	assert.Zero(t, page.clipCalls)
	assert.Empty(t, publicFiles(t, h.store.Dir()))
}

func TestCaptureReleasesOnEveryFailure(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		page    func() *fakePage
		openErr error
		kind    Kind
	}{
		{
			name: "navigation error",
			req:  Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page: func() *fakePage { return &fakePage{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")} },
			kind: KindNavigation,
		},
		{
			name: "element not found",
			req:  Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page: func() *fakePage { return &fakePage{} },
			kind: KindResolution,
		},
		{
			name: "zero size element",
			req:  Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page: func() *fakePage {
				return &fakePage{elements: map[string]*fakeElement{"#a": {box: browser.Rect{Width: 0, Height: 10}}}}
			},
			kind: KindResolution,
		},
		{
			name: "screenshot error",
			req:  Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page: func() *fakePage {
				return &fakePage{elements: map[string]*fakeElement{
					"#a": {box: browser.Rect{Width: 10, Height: 10}, shotErr: errors.New("capture failed")},
				}}
			},
			kind: KindCapture,
		},
		{
			name: "undecodable image",
			req:  Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page: func() *fakePage {
				return &fakePage{elements: map[string]*fakeElement{
					"#a": {box: browser.Rect{Width: 10, Height: 10}, shot: []byte("not a png")},
				}}
			},
			kind: KindResize,
		},
		{
			name:    "browser unavailable",
			req:     Request{URL: "https://example.com", Selector: "#a", Filename: "a"},
			page:    func() *fakePage { return &fakePage{} },
			openErr: browser.ErrUnavailable,
			kind:    KindBrowser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, tt.page)
			h.client.openErr = tt.openErr

			_, err := h.svc.Capture(context.Background(), &tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, 0, h.sessions.InFlight())
			for _, closed := range h.client.closedCounts() {
				assert.Equal(t, int32(1), closed)
			}
			assert.Empty(t, publicFiles(t, h.store.Dir()))

			entries, err := os.ReadDir(h.store.StagingDir())
			require.NoError(t, err)
			assert.Empty(t, entries, "staging must be empty after the request")
		})
	}
}

func TestCaptureNavigationTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	log := zaptest.NewLogger(t)
	store, err := artifact.NewStore(t.TempDir(), "http://localhost:8000/archives", log, nil)
	require.NoError(t, err)
	client := &fakeClient{running: true, newPage: func() *fakePage { return &fakePage{gate: gate} }}
	sessions := session.NewManager(client, 1)
	engine := NewEngine(EngineConfig{NavigationTimeout: 20 * time.Millisecond}, &Resolver{}, store, log)
	svc := NewService(sessions, engine, log)

	_, err = svc.Capture(context.Background(), &Request{URL: "https://example.com", Selector: "#a", Filename: "a"})
	require.Error(t, err)
	assert.Equal(t, KindNavigation, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, sessions.InFlight())
}

func TestCaptureRejectsWhenBusy(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 5, func() *fakePage {
		return &fakePage{gate: gate, elements: map[string]*fakeElement{
			"#a": {box: browser.Rect{Width: 10, Height: 10}, shot: pngBytes(10, 10)},
		}}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Capture(context.Background(), &Request{
				URL: "https://example.com", Selector: "#a", Filename: artifact.IndexedName("busy", i),
			})
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return h.sessions.InFlight() == 5 }, time.Second, 5*time.Millisecond)

	_, err := h.svc.Capture(context.Background(), &Request{URL: "https://example.com", Selector: "#a", Filename: "sixth"})
	require.Error(t, err)
	assert.Equal(t, KindBusy, KindOf(err))
	assert.ErrorIs(t, err, session.ErrBusy)

	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, h.sessions.InFlight())

	_, err = h.svc.Capture(context.Background(), &Request{URL: "https://example.com", Selector: "#a", Filename: "seventh"})
	assert.NoError(t, err)
}

func TestSpanClip(t *testing.T) {
	vp := browser.MobileViewport()
	header := browser.Rect{X: 20, Y: 100, Width: 200, Height: 40}
	summary := browser.Rect{X: 10, Y: 500, Width: 300, Height: 60}

	clip, err := SpanClip(header, summary, vp, SpanViewport)
	require.NoError(t, err)
	assert.Equal(t, browser.Rect{X: 0, Y: 100, Width: 375, Height: 460}, clip)

	clip, err = SpanClip(header, summary, vp, SpanElement)
	require.NoError(t, err)
	assert.Equal(t, browser.Rect{X: 20, Y: 100, Width: 290, Height: 460}, clip)

	_, err = SpanClip(summary, header, vp, SpanViewport)
	assert.ErrorIs(t, err, ErrInvalidClip, "summary above header")

	_, err = SpanClip(browser.Rect{Y: math.NaN(), Width: 1, Height: 1}, summary, vp, SpanViewport)
	assert.ErrorIs(t, err, ErrInvalidClip)

	_, err = SpanClip(header, summary, browser.Viewport{}, SpanViewport)
	assert.ErrorIs(t, err, ErrInvalidClip, "zero viewport width")
}

func TestParseSpanWidthMode(t *testing.T) {
	m, err := ParseSpanWidthMode("")
	require.NoError(t, err)
	assert.Equal(t, SpanViewport, m)

	m, err = ParseSpanWidthMode("element")
	require.NoError(t, err)
	assert.Equal(t, SpanElement, m)

	_, err = ParseSpanWidthMode("page")
	assert.Error(t, err)
}

func TestWidthDecoding(t *testing.T) {
	tests := []struct {
		in   string
		want Width
	}{
		{`{"width": 600}`, 600},
		{`{"width": 10001}`, 10001},
		{`{"width": "20000"}`, 20000},
		{`{"width": "99999999999999999999"}`, 0},
		{`{"width": "450"}`, 450},
		{`{"width": "450px"}`, 450},
		{`{"width": "wide"}`, 0},
		{`{"width": -5}`, 0},
		{`{"width": 0}`, 0},
		{`{"width": null}`, 0},
		{`{"width": true}`, 0},
		{`{}`, 0},
	}
	for _, tt := range tests {
		var req Request
		require.NoError(t, json.Unmarshal([]byte(tt.in), &req), tt.in)
		assert.Equal(t, tt.want, req.Width, tt.in)
	}

	req := Request{}
	assert.Equal(t, 300, req.OutputWidth(300))
	req.Width = 640
	assert.Equal(t, 640, req.OutputWidth(300))
}

func TestRequestValidate(t *testing.T) {
	many := make([]string, 25)
	for i := range many {
		many[i] = fmt.Sprintf(".card-%d", i)
	}

	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"single", Request{URL: "https://a.io", Selector: "#x", Filename: "f"}, true},
		{"multi", Request{URL: "http://a.io/p", Selectors: []string{".a"}, FilenamePrefix: "p_1"}, true},
		{"multi many selectors", Request{URL: "https://a.io", Selectors: many, FilenamePrefix: "card"}, true},
		{"span", Request{URL: "https://a.io", HeaderSelector: "h", SummarySelector: "s", Filename: "f"}, true},
		{"missing url", Request{Selector: "#x", Filename: "f"}, false},
		{"bad scheme", Request{URL: "file:///etc/passwd", Selector: "#x", Filename: "f"}, false},
		{"no target", Request{URL: "https://a.io", Filename: "f"}, false},
		{"two targets", Request{URL: "https://a.io", Selector: "#x", Selectors: []string{".a"}, Filename: "f", FilenamePrefix: "p"}, false},
		{"missing filename", Request{URL: "https://a.io", Selector: "#x"}, false},
		{"traversal", Request{URL: "https://a.io", Selector: "#x", Filename: "../etc"}, false},
		{"missing prefix", Request{URL: "https://a.io", Selectors: []string{".a"}}, false},
		{"empty selector", Request{URL: "https://a.io", Selectors: []string{".a", " "}, FilenamePrefix: "p"}, false},
		{"half span", Request{URL: "https://a.io", HeaderSelector: "h", Filename: "f"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}
