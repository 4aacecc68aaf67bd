package explain

import (
	"fmt"
	"math"
)

// ModelFamily selects which layer Grad-CAM hooks and how its activations
// are laid out. It is chosen when the generator is built, never probed.
type ModelFamily string

const (
	FamilyTransformer   ModelFamily = "transformer"
	FamilyConvolutional ModelFamily = "convolutional"
	FamilyFallback      ModelFamily = "fallback"
)

// ParseModelFamily validates a configured family name
func ParseModelFamily(s string) (ModelFamily, error) {
	switch f := ModelFamily(s); f {
	case FamilyTransformer, FamilyConvolutional, FamilyFallback:
		return f, nil
	default:
		return "", fmt.Errorf("unknown model family %q", s)
	}
}

// FeatureMap is a dense tensor as returned by the gradient source. Shape is
// either [C, H, W] (spatial) or [T, C] (token sequence).
type FeatureMap struct {
	Shape []int
	Data  []float32
}

// SpatialMap is a channel-major C x H x W map.
type SpatialMap struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func (m SpatialMap) at(c, y, x int) float32 {
	return m.Data[(c*m.Height+y)*m.Width+x]
}

// LayerStrategy names the target layer for a model family and converts the
// layer's raw output into a spatial map.
type LayerStrategy interface {
	Layer() string
	Reshape(fm FeatureMap) (SpatialMap, error)
}

// StrategyFor returns the layer strategy for a family
func StrategyFor(family ModelFamily) (LayerStrategy, error) {
	switch family {
	case FamilyTransformer:
		return tokenStrategy{layer: "blocks.-1"}, nil
	case FamilyConvolutional:
		return spatialStrategy{layer: "conv_head"}, nil
	case FamilyFallback:
		return fallbackStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown model family %q", family)
	}
}

// tokenStrategy drops the leading class token and folds the remaining
// patch tokens into a square grid.
type tokenStrategy struct{ layer string }

func (s tokenStrategy) Layer() string { return s.layer }

func (s tokenStrategy) Reshape(fm FeatureMap) (SpatialMap, error) {
	if len(fm.Shape) != 2 {
		return SpatialMap{}, fmt.Errorf("token layer %s: expected [tokens, channels], got shape %v", s.layer, fm.Shape)
	}
	return tokensToSpatial(fm, 1)
}

type spatialStrategy struct{ layer string }

func (s spatialStrategy) Layer() string { return s.layer }

func (s spatialStrategy) Reshape(fm FeatureMap) (SpatialMap, error) {
	if len(fm.Shape) != 3 {
		return SpatialMap{}, fmt.Errorf("conv layer %s: expected [channels, height, width], got shape %v", s.layer, fm.Shape)
	}
	return asSpatial(fm)
}

// fallbackStrategy accepts either layout from the penultimate layer. Token
// sequences are used as-is when square, otherwise a class token is assumed.
type fallbackStrategy struct{}

func (fallbackStrategy) Layer() string { return "penultimate" }

func (fallbackStrategy) Reshape(fm FeatureMap) (SpatialMap, error) {
	switch len(fm.Shape) {
	case 3:
		return asSpatial(fm)
	case 2:
		if isSquare(fm.Shape[0]) {
			return tokensToSpatial(fm, 0)
		}
		return tokensToSpatial(fm, 1)
	default:
		return SpatialMap{}, fmt.Errorf("penultimate layer: unsupported shape %v", fm.Shape)
	}
}

func asSpatial(fm FeatureMap) (SpatialMap, error) {
	c, h, w := fm.Shape[0], fm.Shape[1], fm.Shape[2]
	if c*h*w != len(fm.Data) || c == 0 || h == 0 || w == 0 {
		return SpatialMap{}, fmt.Errorf("shape %v does not match %d values", fm.Shape, len(fm.Data))
	}
	return SpatialMap{Channels: c, Height: h, Width: w, Data: fm.Data}, nil
}

// tokensToSpatial transposes [T, C] tokens (skipping the first `skip`) into
// a [C, side, side] map.
func tokensToSpatial(fm FeatureMap, skip int) (SpatialMap, error) {
	tokens, channels := fm.Shape[0], fm.Shape[1]
	if tokens*channels != len(fm.Data) || channels == 0 {
		return SpatialMap{}, fmt.Errorf("shape %v does not match %d values", fm.Shape, len(fm.Data))
	}
	patches := tokens - skip
	if !isSquare(patches) || patches == 0 {
		return SpatialMap{}, fmt.Errorf("%d patch tokens do not form a square grid", patches)
	}
	side := int(math.Sqrt(float64(patches)))

	data := make([]float32, channels*patches)
	for t := 0; t < patches; t++ {
		row := fm.Data[(t+skip)*channels : (t+skip+1)*channels]
		for c, v := range row {
			data[c*patches+t] = v
		}
	}
	return SpatialMap{Channels: channels, Height: side, Width: side, Data: data}, nil
}

func isSquare(n int) bool {
	r := int(math.Sqrt(float64(n)))
	return r*r == n
}
