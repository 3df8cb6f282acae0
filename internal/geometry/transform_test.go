package geometry

import (
	"errors"
	"math"
	"testing"
)

const tolerance = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestToPageSpaceLetterPage(t *testing.T) {
	page := PageSpace{PageWidth: 612, PageHeight: 792}
	viewport := Rect{X: 50, Y: 50, Width: 200, Height: 100}

	got, err := page.ToPageSpace(viewport, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ratio, err := page.ScaleRatio(500)
	if err != nil {
		t.Fatalf("unexpected ratio error: %v", err)
	}
	if !almostEqual(ratio, 1.224) {
		t.Fatalf("expected scale ratio 1.224, got %g", ratio)
	}
	if !almostEqual(got.X, 61.2) {
		t.Fatalf("expected x 61.2, got %g", got.X)
	}
	if !almostEqual(got.Y, 792-1.224*150) {
		t.Fatalf("expected y %g, got %g", 792-1.224*150, got.Y)
	}
	if !almostEqual(got.Width, 244.8) {
		t.Fatalf("expected width 244.8, got %g", got.Width)
	}
	if !almostEqual(got.Height, 122.4) {
		t.Fatalf("expected height 122.4, got %g", got.Height)
	}
}

func TestToPageSpaceFlipsYAxis(t *testing.T) {
	// At a 1:1 scale a rectangle hugging the top of the viewport should land
	// hugging the top of the page in point space.
	page := PageSpace{PageWidth: 600, PageHeight: 800}
	got, err := page.ToPageSpace(Rect{X: 0, Y: 0, Width: 100, Height: 40}, 600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(got.Y, 760) {
		t.Fatalf("expected bottom edge at 760, got %g", got.Y)
	}
}

func TestScaleRatioRejectsUnmeasuredViewport(t *testing.T) {
	page := PageSpace{PageWidth: 612, PageHeight: 792}

	tests := []struct {
		name          string
		viewportWidth float64
	}{
		{name: "zero", viewportWidth: 0},
		{name: "negative", viewportWidth: -120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := page.ScaleRatio(tt.viewportWidth); !errors.Is(err, ErrViewportUnavailable) {
				t.Fatalf("expected ErrViewportUnavailable, got %v", err)
			}
			if _, err := page.ToPageSpace(Rect{X: 1, Y: 1, Width: 1, Height: 1}, tt.viewportWidth); !errors.Is(err, ErrViewportUnavailable) {
				t.Fatalf("expected ErrViewportUnavailable from transform, got %v", err)
			}
		})
	}
}

func TestScaleRatioRejectsDegeneratePage(t *testing.T) {
	page := PageSpace{PageWidth: 0, PageHeight: 792}
	if _, err := page.ScaleRatio(500); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
}
