// Package imaging resizes captured screenshots.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
)

// DefaultWidth is the output width used when a request does not supply a valid one.
const DefaultWidth = 300

// ErrInvalidWidth is returned for a non-positive target width.
var ErrInvalidWidth = errors.New("target width must be positive")

// ScaledHeight returns the height that keeps the aspect ratio of a w x h image
// at the target width. It never returns less than one pixel.
func ScaledHeight(w, h, targetWidth int) int {
	if w <= 0 {
		return 0
	}
	height := int(math.Round(float64(h) * float64(targetWidth) / float64(w)))
	if height < 1 {
		height = 1
	}
	return height
}

// Resize decodes a PNG from r, scales it to targetWidth preserving aspect
// ratio, and writes the result to w as PNG. Upscaling is allowed.
func Resize(w io.Writer, r io.Reader, targetWidth int) (image.Point, error) {
	if targetWidth <= 0 {
		return image.Point{}, ErrInvalidWidth
	}

	src, err := png.Decode(r)
	if err != nil {
		return image.Point{}, fmt.Errorf("failed to decode png: %w", err)
	}

	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return image.Point{}, fmt.Errorf("empty source image %dx%d", b.Dx(), b.Dy())
	}

	size := image.Pt(targetWidth, ScaledHeight(b.Dx(), b.Dy(), targetWidth))
	dst := image.NewNRGBA(image.Rectangle{Max: size})
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(w, dst); err != nil {
		return image.Point{}, fmt.Errorf("failed to encode png: %w", err)
	}
	return size, nil
}
