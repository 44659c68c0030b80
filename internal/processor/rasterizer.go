package processor

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// DefaultRasterDPI matches the resolution catalogs were tuned against
const DefaultRasterDPI = 200

// FitzRasterizer renders PDF pages with MuPDF
type FitzRasterizer struct {
	dpi float64
}

// NewFitzRasterizer creates a rasterizer rendering at dpi (0 = default)
func NewFitzRasterizer(dpi int) *FitzRasterizer {
	if dpi <= 0 {
		dpi = DefaultRasterDPI
	}
	return &FitzRasterizer{dpi: float64(dpi)}
}

// Rasterize renders each page in order and hands it to visit. Only one page
// image is alive at a time.
func (r *FitzRasterizer) Rasterize(ctx context.Context, documentPath string, visit func(page int, img image.Image) error) error {
	doc, err := fitz.New(documentPath)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return fmt.Errorf("document has no pages")
	}

	for n := 0; n < pageCount; n++ {
		img, err := doc.ImageDPI(n, r.dpi)
		if err != nil {
			return fmt.Errorf("failed to render page %d: %w", n+1, err)
		}
		if err := visit(n+1, img); err != nil {
			return err
		}
	}

	return nil
}
