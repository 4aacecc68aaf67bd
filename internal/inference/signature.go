package inference

import (
	"fmt"

	"github.com/adverant/nexus/forensics-worker/internal/heatmap"
)

// Signature resamples the grid to a fixed size x size map and flattens it
// into a vector, so grids from differently sized documents are comparable.
func (g Grid) Signature(size int) ([]float32, error) {
	if size < 1 {
		return nil, fmt.Errorf("signature size must be positive, got %d", size)
	}
	gray, err := heatmap.GrayFromValues(g.Cells, g.Cols, g.Rows)
	if err != nil {
		return nil, err
	}
	resampled := heatmap.Upsample(gray, size, size)

	vec := make([]float32, 0, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			vec = append(vec, float32(resampled.Pix[y*resampled.Stride+x])/255)
		}
	}
	return vec, nil
}
