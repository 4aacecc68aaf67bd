// Package explain produces Grad-CAM overlays that show which regions of a
// document pushed the classifier toward its forgery decision.
package explain

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/forensics-worker/internal/heatmap"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// Attribution is the forward activation and backward gradient of the
// target class score at one layer.
type Attribution struct {
	Activations FeatureMap
	Gradients   FeatureMap
}

// GradientSource runs a forward and backward pass for one input.
type GradientSource interface {
	Attribute(ctx context.Context, input *inference.Tensor, layer string, targetClass int) (*Attribution, error)
}

// Generator builds explanation overlays.
type Generator struct {
	source    GradientSource
	strategy  LayerStrategy
	inputSize int
	norm      inference.Normalization
	// weight of the original image in the overlay blend
	imageWeight float64
	logger      *logging.Logger
}

// NewGenerator binds a gradient source to the layer strategy of family.
func NewGenerator(source GradientSource, family ModelFamily, inputSize int, norm inference.Normalization) (*Generator, error) {
	if source == nil {
		return nil, fmt.Errorf("gradient source is required")
	}
	strategy, err := StrategyFor(family)
	if err != nil {
		return nil, err
	}
	if inputSize < 1 {
		return nil, fmt.Errorf("input size must be positive, got %d", inputSize)
	}
	return &Generator{
		source:      source,
		strategy:    strategy,
		inputSize:   inputSize,
		norm:        norm,
		imageWeight: 0.5,
		logger:      logging.NewLogger("explain"),
	}, nil
}

// Layer returns the layer the generator targets
func (g *Generator) Layer() string {
	return g.strategy.Layer()
}

// ExplainFile opens the image at path and explains the forgery class.
func (g *Generator) ExplainFile(ctx context.Context, path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return g.Explain(ctx, img, inference.ForgeryClass)
}

// Explain returns a color overlay the size of img highlighting regions
// that contributed to targetClass.
func (g *Generator) Explain(ctx context.Context, img image.Image, targetClass int) (*image.NRGBA, error) {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image")
	}

	input := inference.Preprocess(img, g.inputSize, g.norm)
	attr, err := g.source.Attribute(ctx, input, g.strategy.Layer(), targetClass)
	if err != nil {
		return nil, fmt.Errorf("attribution at %s failed: %w", g.strategy.Layer(), err)
	}

	acts, err := g.strategy.Reshape(attr.Activations)
	if err != nil {
		return nil, fmt.Errorf("activations: %w", err)
	}
	grads, err := g.strategy.Reshape(attr.Gradients)
	if err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}

	cam, err := ComputeCAM(acts, grads)
	if err != nil {
		return nil, err
	}

	smooth, err := heatmap.UpsampleValues(cam, acts.Width, acts.Height, g.inputSize, g.inputSize)
	if err != nil {
		return nil, err
	}
	mask, err := heatmap.GrayFromValues(smooth, g.inputSize, g.inputSize)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, g.inputSize, g.inputSize, imaging.Linear)
	overlay := blend(resized, heatmap.Colorize(mask), g.imageWeight)

	g.logger.Debug("Explanation generated", "layer", g.strategy.Layer(), "width", width, "height", height)

	return imaging.Resize(overlay, width, height, imaging.CatmullRom), nil
}

// ComputeCAM weights each activation channel by its mean gradient, sums,
// applies ReLU and min-max normalizes into [0,1]. A flat map normalizes to
// all zeros.
func ComputeCAM(acts, grads SpatialMap) ([]float64, error) {
	if acts.Channels != grads.Channels || acts.Height != grads.Height || acts.Width != grads.Width {
		return nil, fmt.Errorf("activation %dx%dx%d and gradient %dx%dx%d shapes differ",
			acts.Channels, acts.Height, acts.Width, grads.Channels, grads.Height, grads.Width)
	}

	plane := acts.Height * acts.Width
	cam := make([]float64, plane)
	for c := 0; c < acts.Channels; c++ {
		var alpha float64
		for y := 0; y < grads.Height; y++ {
			for x := 0; x < grads.Width; x++ {
				alpha += float64(grads.at(c, y, x))
			}
		}
		alpha /= float64(plane)

		for y := 0; y < acts.Height; y++ {
			for x := 0; x < acts.Width; x++ {
				cam[y*acts.Width+x] += alpha * float64(acts.at(c, y, x))
			}
		}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range cam {
		v = math.Max(v, 0)
		cam[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	span := hi - lo
	for i := range cam {
		if span < 1e-7 {
			cam[i] = 0
			continue
		}
		cam[i] = (cam[i] - lo) / span
	}
	return cam, nil
}

// blend mixes the colored mask into the image and rescales so the
// brightest channel hits 255.
func blend(img, heat *image.NRGBA, imageWeight float64) *image.NRGBA {
	mixed := make([]float64, len(img.Pix))
	var peak float64
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := (1-imageWeight)*float64(heat.Pix[i+c])/255 + imageWeight*float64(img.Pix[i+c])/255
			mixed[i+c] = v
			peak = math.Max(peak, v)
		}
	}
	if peak == 0 {
		peak = 1
	}

	out := image.NewNRGBA(img.Bounds())
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = uint8(255 * mixed[i+c] / peak)
		}
		out.Pix[i+3] = 255
	}
	return out
}
