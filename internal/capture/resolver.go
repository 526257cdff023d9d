package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ahrdadan/snapq/internal/browser"
	"go.uber.org/zap"
)

// DefaultSelectorTimeout bounds the wait for a selector to appear.
const DefaultSelectorTimeout = 5 * time.Second

// SpanWidthMode selects how the span strategy derives x and width.
type SpanWidthMode string

const (
	// SpanViewport clips from x=0 across the full viewport width.
	SpanViewport SpanWidthMode = "viewport"
	// SpanElement clips from the header's left edge to the rightmost edge of
	// header and summary.
	SpanElement SpanWidthMode = "element"
)

// ParseSpanWidthMode parses a configured mode. Empty means SpanViewport.
func ParseSpanWidthMode(s string) (SpanWidthMode, error) {
	switch SpanWidthMode(s) {
	case "", SpanViewport:
		return SpanViewport, nil
	case SpanElement:
		return SpanElement, nil
	default:
		return "", fmt.Errorf("unknown span width mode %q", s)
	}
}

// Resolved is one element found by the multi strategy.
type Resolved struct {
	Index    int
	Selector string
	Element  browser.Element
}

// Resolver turns selector descriptions into capturable regions.
type Resolver struct {
	Timeout  time.Duration
	Viewport browser.Viewport
	SpanMode SpanWidthMode
	Logger   *zap.Logger
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultSelectorTimeout
	}
	return r.Timeout
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Single waits for selector and returns its element once its box is usable.
func (r *Resolver) Single(ctx context.Context, page browser.Page, selector string) (browser.Element, error) {
	el, err := page.WaitElement(ctx, selector, r.timeout())
	if err != nil {
		return nil, err
	}
	box, err := el.Box(ctx)
	if err != nil {
		return nil, err
	}
	if err := box.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidClip, selector, err)
	}
	return el, nil
}

// Multi resolves every selector independently. Selectors that do not resolve
// are logged and skipped; it fails only when none resolve or ctx ends.
func (r *Resolver) Multi(ctx context.Context, page browser.Page, selectors []string) ([]Resolved, error) {
	var out []Resolved
	for i, sel := range selectors {
		el, err := r.Single(ctx, page, sel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !skippable(err) {
				return nil, err
			}
			r.logger().Warn("selector skipped",
				zap.Int("index", i),
				zap.String("selector", sel),
				zap.Error(err))
			continue
		}
		out = append(out, Resolved{Index: i, Selector: sel, Element: el})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: 0 of %d", ErrNothingResolved, len(selectors))
	}
	return out, nil
}

func skippable(err error) bool {
	return errors.Is(err, ErrElementNotFound) || errors.Is(err, ErrInvalidClip)
}

// Span resolves header and summary and returns the region between them.
func (r *Resolver) Span(ctx context.Context, page browser.Page, header, summary string) (browser.Rect, error) {
	h, err := r.box(ctx, page, header)
	if err != nil {
		return browser.Rect{}, err
	}
	s, err := r.box(ctx, page, summary)
	if err != nil {
		return browser.Rect{}, err
	}
	return SpanClip(h, s, r.Viewport, r.SpanMode)
}

func (r *Resolver) box(ctx context.Context, page browser.Page, selector string) (browser.Rect, error) {
	el, err := page.WaitElement(ctx, selector, r.timeout())
	if err != nil {
		return browser.Rect{}, err
	}
	return el.Box(ctx)
}

// SpanClip computes the rectangle from the header's top edge to the summary's
// bottom edge. Inputs and output are checked; nothing is clamped.
func SpanClip(header, summary browser.Rect, vp browser.Viewport, mode SpanWidthMode) (browser.Rect, error) {
	for _, v := range []float64{header.X, header.Y, header.Width, header.Height,
		summary.X, summary.Y, summary.Width, summary.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return browser.Rect{}, fmt.Errorf("%w: non-finite element coordinates", ErrInvalidClip)
		}
	}

	clip := browser.Rect{
		Y:      header.Y,
		Height: summary.Bottom() - header.Y,
	}
	switch mode {
	case SpanElement:
		clip.X = header.X
		clip.Width = math.Max(header.Right(), summary.Right()) - header.X
	default:
		clip.X = 0
		clip.Width = float64(vp.Width)
	}

	if err := clip.Validate(); err != nil {
		return browser.Rect{}, fmt.Errorf("%w: %v", ErrInvalidClip, err)
	}
	return clip, nil
}
