package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/geometry"
)

// buildPDF assembles a minimal but valid PDF with the given number of empty
// US Letter pages. Object offsets are tracked while writing, so the xref
// table is always consistent.
func buildPDF(t *testing.T, pageCount int) []byte {
	t.Helper()

	var kids []string
	for i := 0; i < pageCount; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+i))
	}
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount),
	}
	for i := 0; i < pageCount; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(&buf, "%010d %05d n \n", offset, 0)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return buf.Bytes()
}

func signatureRaster() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 120, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, signatureRaster()); err != nil {
		t.Fatalf("encode png fixture: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, signatureRaster(), nil); err != nil {
		t.Fatalf("encode jpeg fixture: %v", err)
	}
	return buf.Bytes()
}

type mapFetcher struct {
	images map[string][]byte
	calls  int
}

func (f *mapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.calls++
	data, ok := f.images[ref]
	if !ok {
		return nil, fmt.Errorf("no image for %s", ref)
	}
	return data, nil
}

func newTestCompositor(t *testing.T, fetcher ImageFetcher) *Compositor {
	t.Helper()
	c, err := New(Config{Fetcher: fetcher})
	if err != nil {
		t.Fatalf("failed to create compositor: %v", err)
	}
	return c
}

func assertValidPDF(t *testing.T, data []byte) {
	t.Helper()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := pdfapi.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		t.Fatalf("result is not a readable pdf: %v", err)
	}
	if err := pdfapi.ValidateContext(ctx); err != nil {
		t.Fatalf("result is not a valid pdf: %v", err)
	}
}

// testAnnotation places a default-sized stamp at the default anchor.
func testAnnotation(id, ref string, page int) annotations.Annotation {
	return annotations.Annotation{ID: id, ImageRef: ref, X: 50, Y: 50, Width: 200, Height: 100, Page: page}
}

func TestCompositeRejectsInvalidPDF(t *testing.T) {
	c := newTestCompositor(t, &mapFetcher{})
	_, err := c.Composite(context.Background(), []byte("not a pdf at all"), nil, 500)
	if !errors.Is(err, ErrInvalidPDF) {
		t.Fatalf("expected ErrInvalidPDF, got %v", err)
	}
}

func TestCompositeRejectsUnmeasuredViewport(t *testing.T) {
	c := newTestCompositor(t, &mapFetcher{})
	pdf := buildPDF(t, 1)
	_, err := c.Composite(context.Background(), pdf, []annotations.Annotation{testAnnotation("sig-1", "a.png", 1)}, 0)
	if !errors.Is(err, geometry.ErrViewportUnavailable) {
		t.Fatalf("expected ErrViewportUnavailable, got %v", err)
	}
}

func TestCompositeStampsAnnotation(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{"a.png": encodePNG(t)}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 3)

	out, err := c.Composite(context.Background(), pdf, []annotations.Annotation{testAnnotation("sig-1", "a.png", 2)}, 500)
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if bytes.Equal(out, pdf) {
		t.Fatalf("expected output bytes to differ from input")
	}
	assertValidPDF(t, out)
}

func TestCompositeSkipsOutOfRangePage(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{"a.png": encodePNG(t)}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 3)

	items := []annotations.Annotation{
		testAnnotation("sig-ghost", "a.png", 99),
		testAnnotation("sig-real", "a.png", 1),
	}
	out, err := c.Composite(context.Background(), pdf, items, 500)
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	assertValidPDF(t, out)
	// The out-of-range annotation is skipped before its image is fetched.
	if fetcher.calls != 1 {
		t.Fatalf("expected one image fetch, got %d", fetcher.calls)
	}
}

func TestCompositeStampsManyAnnotationsInOnePass(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{
		"a.png": encodePNG(t),
		"b.png": encodePNG(t),
	}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 3)

	items := []annotations.Annotation{
		testAnnotation("sig-1", "a.png", 1),
		testAnnotation("sig-2", "b.png", 1),
		testAnnotation("sig-3", "a.png", 3),
	}
	out, err := c.Composite(context.Background(), pdf, items, 500)
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if bytes.Equal(out, pdf) {
		t.Fatalf("expected output bytes to differ from input")
	}
	assertValidPDF(t, out)
	if fetcher.calls != 3 {
		t.Fatalf("expected one fetch per annotation, got %d", fetcher.calls)
	}
}

func TestCompositeWithoutApplicableStampsReturnsOriginal(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{"a.png": encodePNG(t)}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 1)

	out, err := c.Composite(context.Background(), pdf, []annotations.Annotation{testAnnotation("sig-ghost", "a.png", 9)}, 500)
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if !bytes.Equal(out, pdf) {
		t.Fatalf("expected untouched bytes when every annotation is skipped")
	}
}

func TestCompositeFallsBackToJPEG(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{"a.jpg": encodeJPEG(t)}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 1)

	out, err := c.Composite(context.Background(), pdf, []annotations.Annotation{testAnnotation("sig-1", "a.jpg", 1)}, 500)
	if err != nil {
		t.Fatalf("composite with jpeg failed: %v", err)
	}
	assertValidPDF(t, out)
}

func TestCompositeAbortsOnUndecodableImage(t *testing.T) {
	fetcher := &mapFetcher{images: map[string][]byte{
		"good.png": encodePNG(t),
		"bad.bin":  []byte("neither png nor jpeg"),
	}}
	c := newTestCompositor(t, fetcher)
	pdf := buildPDF(t, 2)

	items := []annotations.Annotation{
		testAnnotation("sig-1", "good.png", 1),
		testAnnotation("sig-2", "bad.bin", 2),
	}
	_, err := c.Composite(context.Background(), pdf, items, 500)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestDecodeSignatureImage(t *testing.T) {
	if _, err := decodeSignatureImage(encodePNG(t)); err != nil {
		t.Fatalf("png decode failed: %v", err)
	}
	if _, err := decodeSignatureImage(encodeJPEG(t)); err != nil {
		t.Fatalf("jpeg fallback failed: %v", err)
	}
	if _, err := decodeSignatureImage([]byte("garbage")); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestConformAspectPassthroughAndResample(t *testing.T) {
	raw := encodePNG(t)
	img, err := decodeSignatureImage(raw)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	// 40x20 raster against a 200x100 rectangle: aspect matches, bytes pass
	// through untouched.
	payload, widthPx, err := conformAspect(img, raw, geometry.Rect{Width: 200, Height: 100})
	if err != nil {
		t.Fatalf("conform failed: %v", err)
	}
	if !bytes.Equal(payload, raw) {
		t.Fatalf("expected passthrough for matching aspect")
	}
	if widthPx != 40 {
		t.Fatalf("expected width 40, got %d", widthPx)
	}

	// Square rectangle: raster is resampled to match.
	payload, widthPx, err = conformAspect(img, raw, geometry.Rect{Width: 100, Height: 100})
	if err != nil {
		t.Fatalf("conform failed: %v", err)
	}
	if widthPx != 40 {
		t.Fatalf("expected width 40, got %d", widthPx)
	}
	resampled, err := png.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("resampled payload is not png: %v", err)
	}
	if resampled.Bounds().Dx() != 40 || resampled.Bounds().Dy() != 40 {
		t.Fatalf("expected 40x40 resample, got %dx%d", resampled.Bounds().Dx(), resampled.Bounds().Dy())
	}
}
