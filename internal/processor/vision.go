package processor

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"
)

// BinarizeThreshold is the fixed intensity cut used before recognition.
// Pixels darker than it become white foreground, the rest become black.
const BinarizeThreshold = 150

// grayMat converts an image to a single-channel 8-bit matrix. Caller closes it.
func grayMat(img image.Image) (gocv.Mat, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("convert image to matrix: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	if err := gocv.CvtColor(src, &gray, gocv.ColorBGRToGray); err != nil {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("convert to grayscale: %w", err)
	}
	if gray.Empty() {
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("grayscale conversion produced an empty matrix")
	}
	return gray, nil
}

// Binarize thresholds img with the inverted policy and returns it PNG-encoded
func Binarize(img image.Image) ([]byte, error) {
	gray, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	binary := gocv.NewMat()
	defer binary.Close()
	// THRESH_BINARY_INV maps v > thresh to 0, so thresh-1 sends exactly 150 to black
	gocv.Threshold(gray, &binary, BinarizeThreshold-1, 255, gocv.ThresholdBinaryInv)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, binary)
	if err != nil {
		return nil, fmt.Errorf("encode binarized image: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases C memory freed by Close
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// cropImage copies the part of img inside region into a new RGBA image.
// The region is clipped to the image bounds; an empty intersection is an error.
func cropImage(img image.Image, region Region) (*image.RGBA, error) {
	bounds := img.Bounds()
	rect := region.Rect().Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("region %+v outside image bounds %v", region, bounds)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(dst, image.Point{}, img, rect, draw.Src, nil)
	return dst, nil
}
