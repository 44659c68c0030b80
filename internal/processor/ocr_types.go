/**
 * Catalog Types - Shared data structures for the page-to-records pipeline
 */

package processor

import (
	"context"
	"image"
)

// MinRegionSide is the exclusive lower bound for both sides of a product region
const MinRegionSide = 100

// Region represents a product candidate in page pixel coordinates
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Rect converts the region to an image rectangle
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Qualifies reports whether the region is large enough to be a product
func (r Region) Qualifies() bool {
	return r.Width > MinRegionSide && r.Height > MinRegionSide
}

// RegionFromRect converts an image rectangle to a region
func RegionFromRect(rect image.Rectangle) Region {
	rect = rect.Canon()
	return Region{X: rect.Min.X, Y: rect.Min.Y, Width: rect.Dx(), Height: rect.Dy()}
}

// Record is one extracted product: its thumbnail and cleaned description.
// Page and Region are provenance only; rows are written in slice order.
type Record struct {
	Thumbnail   image.Image
	Description string
	Page        int
	Region      Region
}

// Rasterizer renders a document page by page, in document order.
// visit receives a 1-based page number; the image is only valid during the call.
type Rasterizer interface {
	Rasterize(ctx context.Context, documentPath string, visit func(page int, img image.Image) error) error
}

// RegionDetector finds product regions on one page
type RegionDetector interface {
	Detect(page image.Image) ([]Region, error)
}

// Recognizer turns an encoded (PNG) image into raw text
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}
