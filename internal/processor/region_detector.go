/**
 * Region Detector - Finds product photo regions on a rasterized catalog page
 *
 * Edge-based heuristic: blur, Canny, outermost contours, bounding boxes.
 * Overlapping boxes are all reported; nothing is merged or deduplicated.
 */

package processor

import (
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// Canny hysteresis thresholds and blur kernel used by the detector
const (
	cannyLowThreshold  = 50
	cannyHighThreshold = 150
	blurKernelSize     = 5
)

// ContourDetector implements RegionDetector with OpenCV
type ContourDetector struct {
	// blurKernel must be odd
	blurKernel int
}

// NewContourDetector creates a new contour-based region detector
func NewContourDetector() *ContourDetector {
	return &ContourDetector{blurKernel: blurKernelSize}
}

// Detect returns the qualifying product regions of page, top to bottom
func (d *ContourDetector) Detect(page image.Image) ([]Region, error) {
	gray, err := grayMat(page)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	// sigma 0 lets OpenCV derive it from the kernel size
	ksize := image.Pt(d.blurKernel, d.blurKernel)
	if err := gocv.GaussianBlur(gray, &blurred, ksize, 0, 0, gocv.BorderDefault); err != nil {
		return nil, fmt.Errorf("blur page: %w", err)
	}

	edges := gocv.NewMat()
	defer edges.Close()
	if err := gocv.Canny(blurred, &edges, cannyLowThreshold, cannyHighThreshold); err != nil {
		return nil, fmt.Errorf("detect edges: %w", err)
	}

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	rects := make([]image.Rectangle, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		rects = append(rects, gocv.BoundingRect(contours.At(i)))
	}

	return selectRegions(rects), nil
}

// selectRegions keeps rectangles larger than MinRegionSide on both sides and
// orders them by their top edge. Equal tops keep contour order.
func selectRegions(rects []image.Rectangle) []Region {
	regions := make([]Region, 0, len(rects))
	for _, rect := range rects {
		region := RegionFromRect(rect)
		if region.Qualifies() {
			regions = append(regions, region)
		}
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Y < regions[j].Y
	})

	return regions
}
