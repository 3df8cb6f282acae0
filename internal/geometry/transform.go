// Package geometry converts rectangles between the rendered viewport's pixel
// space (top-left origin, y-down) and a PDF page's point space (bottom-left
// origin, y-up).
package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrViewportUnavailable indicates the rendered page container had no
	// measurable width, so no scale ratio can be derived.
	ErrViewportUnavailable = errors.New("geometry: viewport width unavailable")
	// ErrInvalidPageSize indicates the target page reported non-positive dimensions.
	ErrInvalidPageSize = errors.New("geometry: invalid page size")
)

// PageSpace describes the native size of a single PDF page in points.
type PageSpace struct {
	PageWidth  float64
	PageHeight float64
}

// Rect is an axis-aligned rectangle. In viewport space X/Y locate the top-left
// corner; in page space they locate the bottom-left corner.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// ScaleRatio derives the pixel-to-point factor for a page rendered at
// viewportWidth pixels. The renderer preserves aspect ratio, so the same
// ratio applies to both axes.
func (p PageSpace) ScaleRatio(viewportWidth float64) (float64, error) {
	if p.PageWidth <= 0 || p.PageHeight <= 0 {
		return 0, fmt.Errorf("%w: %gx%g", ErrInvalidPageSize, p.PageWidth, p.PageHeight)
	}
	if viewportWidth <= 0 {
		return 0, ErrViewportUnavailable
	}
	return p.PageWidth / viewportWidth, nil
}

// ToPageSpace maps a viewport-pixel rectangle onto the page, flipping the Y
// axis so the result addresses the rectangle's bottom-left corner in points.
func (p PageSpace) ToPageSpace(viewport Rect, viewportWidth float64) (Rect, error) {
	ratio, err := p.ScaleRatio(viewportWidth)
	if err != nil {
		return Rect{}, err
	}
	return Rect{
		X:      viewport.X * ratio,
		Y:      p.PageHeight - (viewport.Y+viewport.Height)*ratio,
		Width:  viewport.Width * ratio,
		Height: viewport.Height * ratio,
	}, nil
}
