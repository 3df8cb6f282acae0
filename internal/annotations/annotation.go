// Package annotations owns the in-memory collection of placed signature
// stamps for a document that is open for editing. The collection is the only
// mutation surface; rendering and compositing read from it but never reach
// into its internals.
package annotations

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidImageRef indicates an empty signature image reference.
	ErrInvalidImageRef = errors.New("annotations: invalid image reference")
	// ErrInvalidPage indicates a page index below 1.
	ErrInvalidPage = errors.New("annotations: invalid page number")
	// ErrInvalidSize indicates a non-positive width or height.
	ErrInvalidSize = errors.New("annotations: invalid size")
)

// Default placement for a freshly added signature, in viewport pixels.
const (
	defaultAnchorX = 50
	defaultAnchorY = 50
	defaultWidth   = 200
	defaultHeight  = 100
)

// Annotation is a placed signature image prior to being baked into the PDF.
// X and Y locate the top-left corner in viewport pixel space; Page is 1-based.
type Annotation struct {
	ID       string  `json:"id"`
	ImageRef string  `json:"imageRef"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Page     int     `json:"page"`
}

// Validate checks the structural invariants that must hold before an
// annotation may be persisted or composited.
func (a Annotation) Validate() error {
	if a.ImageRef == "" {
		return ErrInvalidImageRef
	}
	if a.Page < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, a.Page)
	}
	if a.Width <= 0 || a.Height <= 0 {
		return fmt.Errorf("%w: %gx%g", ErrInvalidSize, a.Width, a.Height)
	}
	return nil
}

// Patch carries the optional position and size fields of an update. Nil
// fields are left untouched.
type Patch struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Page   *int     `json:"page,omitempty"`
}

func (p Patch) apply(a Annotation) Annotation {
	if p.X != nil {
		a.X = *p.X
	}
	if p.Y != nil {
		a.Y = *p.Y
	}
	if p.Width != nil {
		a.Width = *p.Width
	}
	if p.Height != nil {
		a.Height = *p.Height
	}
	if p.Page != nil {
		a.Page = *p.Page
	}
	return a
}
