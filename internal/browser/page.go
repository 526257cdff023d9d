package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrElementNotFound is returned when a selector does not appear before its wait timeout.
var ErrElementNotFound = errors.New("element not found")

// DefaultRequestIdle is how long the network must stay quiet before a
// navigation counts as settled.
const DefaultRequestIdle = 500 * time.Millisecond

// Long-lived connections never go idle and are ignored by the settle wait.
var idleExcludedTypes = []proto.NetworkResourceType{
	proto.NetworkResourceTypeWebSocket,
	proto.NetworkResourceTypeEventSource,
	proto.NetworkResourceTypeMedia,
}

const boundingBoxJS = `() => {
	const r = this.getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
}`

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) SetViewport(vp Viewport) error {
	err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: vp.DeviceScaleFactor,
		Mobile:            vp.Mobile,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)

	wait := page.WaitRequestIdle(DefaultRequestIdle, nil, nil, idleExcludedTypes)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("page did not settle: %w", err)
	}
	return nil
}

func (p *rodPage) WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrElementNotFound, selector, timeout)
		}
		return nil, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return &rodElement{el: el.CancelTimeout()}, nil
}

func (p *rodPage) CaptureClip(ctx context.Context, clip Rect) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		},
		CaptureBeyondViewport: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture clip: %w", err)
	}
	return data, nil
}

func (p *rodPage) Close() error {
	// The request context may already be done; closing must still reach Chrome.
	return p.page.Context(context.Background()).Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Box(ctx context.Context) (Rect, error) {
	res, err := e.el.Context(ctx).Eval(boundingBoxJS)
	if err != nil {
		return Rect{}, fmt.Errorf("failed to read bounding box: %w", err)
	}
	v := res.Value
	return Rect{
		X:      v.Get("x").Num(),
		Y:      v.Get("y").Num(),
		Width:  v.Get("width").Num(),
		Height: v.Get("height").Num(),
	}, nil
}

func (e *rodElement) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.el.Context(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to capture element: %w", err)
	}
	return data, nil
}
