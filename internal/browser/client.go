package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnavailable is returned when the shared browser is not started or has crashed.
var ErrUnavailable = errors.New("browser unavailable")

// Rect is a rectangle in CSS pixels of the page coordinate space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.X + r.Width }

// Validate reports an error when any coordinate is not finite or the size is not positive.
func (r Rect) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate in %+v", r)
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("non-positive size %gx%g", r.Width, r.Height)
	}
	return nil
}

// Viewport is the device emulation profile applied to every page.
type Viewport struct {
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	DeviceScaleFactor float64 `yaml:"device_scale_factor"`
	Mobile            bool    `yaml:"mobile"`
}

// MobileViewport is the fixed 375x812 @2x profile.
func MobileViewport() Viewport {
	return Viewport{
		Width:             375,
		Height:            812,
		DeviceScaleFactor: 2,
		Mobile:            true,
	}
}

// Element is a resolved DOM node on a Page.
type Element interface {
	// Box returns the element's bounding rectangle in page coordinates.
	Box(ctx context.Context) (Rect, error)
	// Screenshot returns a PNG of exactly the element's own region.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Page is a leased browser tab. A Page is owned by a single request and must be closed.
type Page interface {
	SetViewport(vp Viewport) error
	// Navigate loads url and returns once the network has settled.
	Navigate(ctx context.Context, url string) error
	// WaitElement waits up to timeout for selector to appear in the DOM.
	// Running out of that timeout while ctx is still live yields
	// ErrElementNotFound; a cancelled or expired ctx is returned as is.
	WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// CaptureClip returns a PNG of the given page region.
	CaptureClip(ctx context.Context, clip Rect) ([]byte, error)
	Close() error
}

// Client defines the browser operations used by the session manager.
type Client interface {
	IsRunning() bool
	GetEndpoint() string
	OpenPage(ctx context.Context) (Page, error)
}
