package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ELAQuality is the JPEG quality used for the re-save pass
const ELAQuality = 90

// ELACalculator computes error level analysis: regions edited after the
// last save recompress differently from the rest of the image.
type ELACalculator struct {
	quality int
}

// NewELACalculator creates an ELA calculator with the default quality
func NewELACalculator() *ELACalculator {
	return &ELACalculator{quality: ELAQuality}
}

// CalculateELA re-encodes the image at path as JPEG and returns the
// brightness-scaled difference image and a score in [0,1] (mean scaled
// difference over 255).
func (e *ELACalculator) CalculateELA(ctx context.Context, path string) (image.Image, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	original, err := imaging.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return e.Compute(original)
}

// Compute runs ELA on a decoded image.
func (e *ELACalculator) Compute(original image.Image) (*image.NRGBA, float64, error) {
	src := imaging.Clone(original)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return nil, 0, fmt.Errorf("failed to re-encode image: %w", err)
	}
	resaved, err := imaging.Decode(&buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode re-encoded image: %w", err)
	}
	recompressed := imaging.Clone(resaved)

	diff := image.NewNRGBA(src.Bounds())
	var maxDiff uint8
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			d := absDiff(src.Pix[i+c], recompressed.Pix[i+c])
			diff.Pix[i+c] = d
			if d > maxDiff {
				maxDiff = d
			}
		}
		diff.Pix[i+3] = 255
	}

	if maxDiff == 0 {
		return diff, 0, nil
	}

	scale := 255 / float64(maxDiff)
	var sum float64
	for i := 0; i < len(diff.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(diff.Pix[i+c]) * scale
			if v > 255 {
				v = 255
			}
			diff.Pix[i+c] = uint8(v)
			sum += v
		}
	}

	pixels := float64(len(diff.Pix) / 4 * 3)
	return diff, sum / pixels / 255, nil
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
