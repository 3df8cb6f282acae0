// Package compositor bakes signature annotations into PDF bytes. It is a
// pure function of the original bytes, the annotation sequence and the
// measured viewport width; persistence is the caller's concern.
package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/geometry"
)

var (
	// ErrInvalidPDF indicates the original bytes are not a parseable PDF.
	ErrInvalidPDF = errors.New("compositor: invalid pdf")
	// ErrUnsupportedImage indicates a signature image that decodes neither as
	// PNG nor as JPEG. Fatal for the whole composite call.
	ErrUnsupportedImage = errors.New("compositor: unsupported image format")

	errMissingFetcher = errors.New("compositor: image fetcher is required")
)

// ImageFetcher resolves an annotation's image reference to its raw bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetcherFunc adapts a function to the ImageFetcher interface.
type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch implements ImageFetcher.
func (f FetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// Config lists the compositor's dependencies.
type Config struct {
	Fetcher ImageFetcher
	Logger  *zap.Logger
}

// Compositor stamps decoded signature images onto PDF pages.
type Compositor struct {
	fetcher ImageFetcher
	logger  *zap.Logger
	conf    *model.Configuration
}

// New constructs a Compositor.
func New(cfg Config) (*Compositor, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Compositor{
		fetcher: cfg.Fetcher,
		logger:  logger,
		conf:    conf,
	}, nil
}

// Composite applies every annotation, in insertion order, onto its target
// page and returns the flattened result. Annotations referencing a page
// outside the document are skipped; an undecodable signature image aborts
// the whole operation.
//
// The viewport width is measured once from the first rendered page, so
// documents with non-uniform page widths inherit the first page's ratio.
func (c *Compositor) Composite(ctx context.Context, original []byte, items []annotations.Annotation, viewportWidth float64) ([]byte, error) {
	pdfCtx, err := pdfapi.ReadContext(bytes.NewReader(original), c.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if err := pdfapi.ValidateContext(pdfCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if viewportWidth <= 0 {
		return nil, geometry.ErrViewportUnavailable
	}

	dims, err := pdfCtx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	pageCount := pdfCtx.PageCount

	// All stamps are built up front and applied in a single pass, so the
	// document is parsed and rewritten once regardless of annotation count.
	// Within a page, slice order preserves insertion order.
	stamps := make(map[int][]*model.Watermark)
	for _, item := range items {
		pageIndex := item.Page - 1
		if pageIndex < 0 || pageIndex >= pageCount {
			c.logger.Warn("skipping annotation on nonexistent page",
				zap.String("annotation_id", item.ID),
				zap.Int("page", item.Page),
				zap.Int("page_count", pageCount))
			continue
		}

		raw, err := c.fetcher.Fetch(ctx, item.ImageRef)
		if err != nil {
			return nil, fmt.Errorf("fetch signature image %s: %w", item.ImageRef, err)
		}
		img, err := decodeSignatureImage(raw)
		if err != nil {
			return nil, err
		}

		page := geometry.PageSpace{
			PageWidth:  dims[pageIndex].Width,
			PageHeight: dims[pageIndex].Height,
		}
		target, err := page.ToPageSpace(geometry.Rect{
			X:      item.X,
			Y:      item.Y,
			Width:  item.Width,
			Height: item.Height,
		}, viewportWidth)
		if err != nil {
			return nil, err
		}

		wm, err := c.stamp(img, raw, target)
		if err != nil {
			return nil, fmt.Errorf("stamp annotation %s: %w", item.ID, err)
		}
		stamps[item.Page] = append(stamps[item.Page], wm)
	}

	if len(stamps) == 0 {
		return original, nil
	}

	var out bytes.Buffer
	if err := pdfapi.AddWatermarksSliceMap(bytes.NewReader(original), &out, stamps, c.conf); err != nil {
		return nil, fmt.Errorf("apply image stamps: %w", err)
	}
	return out.Bytes(), nil
}

// stamp builds the watermark drawing one decoded image at the target
// rectangle (page points, bottom-left anchored).
func (c *Compositor) stamp(img image.Image, raw []byte, target geometry.Rect) (*model.Watermark, error) {
	payload, widthPx, err := conformAspect(img, raw, target)
	if err != nil {
		return nil, err
	}

	wm, err := pdfapi.ImageWatermarkForReader(bytes.NewReader(payload), "pos:bl, rot:0, op:1", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build image stamp: %w", err)
	}
	// One pixel renders as one point, so the absolute scale maps the image
	// onto the transformed width exactly.
	wm.Scale = target.Width / float64(widthPx)
	wm.ScaleAbs = true
	wm.Dx = target.X
	wm.Dy = target.Y
	return wm, nil
}

// decodeSignatureImage attempts PNG first and falls back to JPEG, matching
// the accepted signature asset encodings.
func decodeSignatureImage(raw []byte) (image.Image, error) {
	if img, err := png.Decode(bytes.NewReader(raw)); err == nil {
		return img, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: not PNG or JPEG", ErrUnsupportedImage)
	}
	return img, nil
}

// conformAspect returns the image bytes to embed plus their pixel width. The
// stamp is anchored by width; when the annotation rectangle's aspect differs
// from the image's, the raster is resampled so the rendered height matches
// the transformed rectangle.
func conformAspect(img image.Image, raw []byte, target geometry.Rect) ([]byte, int, error) {
	bounds := img.Bounds()
	widthPx, heightPx := bounds.Dx(), bounds.Dy()
	if widthPx <= 0 || heightPx <= 0 {
		return nil, 0, fmt.Errorf("%w: empty raster", ErrUnsupportedImage)
	}

	imageAspect := float64(heightPx) / float64(widthPx)
	targetAspect := target.Height / target.Width
	if math.Abs(imageAspect-targetAspect) < 0.001 {
		return raw, widthPx, nil
	}

	resampledHeight := int(math.Round(float64(widthPx) * targetAspect))
	if resampledHeight < 1 {
		resampledHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, widthPx, resampledHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, 0, fmt.Errorf("re-encode resampled signature: %w", err)
	}
	return buf.Bytes(), widthPx, nil
}
