/**
 * Text Extractor - Crops a product region and reads its description
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// TextExtractor crops regions, binarizes them and runs recognition
type TextExtractor struct {
	recognizer Recognizer
	binarize   func(image.Image) ([]byte, error)
}

// NewTextExtractor creates a text extractor around a recognizer
func NewTextExtractor(recognizer Recognizer) *TextExtractor {
	return &TextExtractor{
		recognizer: recognizer,
		binarize:   Binarize,
	}
}

// Extract returns the colour crop of region and its cleaned description.
// An empty description is a valid result.
func (e *TextExtractor) Extract(ctx context.Context, page image.Image, region Region) (Record, error) {
	thumbnail, err := cropImage(page, region)
	if err != nil {
		return Record{}, err
	}

	binary, err := e.binarize(thumbnail)
	if err != nil {
		return Record{}, fmt.Errorf("binarize region: %w", err)
	}

	raw, err := e.recognizer.Recognize(ctx, binary)
	if err != nil {
		return Record{}, fmt.Errorf("recognize region: %w", err)
	}

	return Record{
		Thumbnail:   thumbnail,
		Description: CleanText(raw),
		Region:      region,
	}, nil
}

// CleanText drops every byte outside printable ASCII (0x20-0x7E), then
// replaces any line breaks left with spaces and trims surrounding spaces.
// Line breaks are outside that range, so words on adjacent lines are joined.
func CleanText(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= 0x20 && c <= 0x7E {
			b.WriteByte(c)
		}
	}

	cleaned := strings.ReplaceAll(b.String(), "\n", " ")
	return strings.TrimSpace(cleaned)
}
