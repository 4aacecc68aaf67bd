// Package inference runs the forgery classifier over overlapping patches of
// a document image and assembles the per-patch probabilities into a grid,
// an aggregate score and a heatmap.
package inference

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/forensics-worker/internal/heatmap"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// ForgeryClass is the output index holding the forgery probability.
const ForgeryClass = 1

// Classifier returns the class distribution for one preprocessed input.
type Classifier interface {
	Predict(ctx context.Context, input *Tensor) ([]float64, error)
}

// Config controls the sliding window.
type Config struct {
	PatchSize int
	Stride    int
	InputSize int
	Norm      Normalization
}

// DefaultConfig returns the window the classifier was trained for.
func DefaultConfig() Config {
	return Config{
		PatchSize: 256,
		Stride:    128,
		InputSize: 224,
		Norm:      ImageNet,
	}
}

// Grid holds per-patch forgery probabilities in row-major order.
type Grid struct {
	Rows  int
	Cols  int
	Cells []float64
}

// At returns the probability of patch (row, col)
func (g Grid) At(row, col int) float64 {
	return g.Cells[row*g.Cols+col]
}

// Mean returns the arithmetic mean of all cells
func (g Grid) Mean() float64 {
	if len(g.Cells) == 0 {
		return 0
	}
	var sum float64
	for _, c := range g.Cells {
		sum += c
	}
	return sum / float64(len(g.Cells))
}

// Result is the outcome of one sliding-window pass.
type Result struct {
	Grid    Grid
	Score   float64
	Heatmap *image.NRGBA
	// Localized is false when the image was smaller than one patch and the
	// grid holds a single whole-image probability.
	Localized bool
}

// Engine runs the sliding-window pass. It is safe for concurrent use if the
// classifier is.
type Engine struct {
	classifier Classifier
	cfg        Config
	logger     *logging.Logger
}

// NewEngine validates the window configuration and binds the classifier.
func NewEngine(classifier Classifier, cfg Config) (*Engine, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.PatchSize < 1 || cfg.Stride < 1 || cfg.InputSize < 1 {
		return nil, fmt.Errorf("invalid window: patch=%d stride=%d input=%d", cfg.PatchSize, cfg.Stride, cfg.InputSize)
	}
	return &Engine{
		classifier: classifier,
		cfg:        cfg,
		logger:     logging.NewLogger("inference"),
	}, nil
}

// GridSize returns the patch grid dimensions for a width x height image.
// ok is false when the image is smaller than one patch in either dimension.
func (e *Engine) GridSize(width, height int) (cols, rows int, ok bool) {
	p, s := e.cfg.PatchSize, e.cfg.Stride
	if width < p || height < p {
		return 1, 1, false
	}
	return (width-p)/s + 1, (height-p)/s + 1, true
}

// InferFile decodes the image at path and runs Infer.
func (e *Engine) InferFile(ctx context.Context, path string) (*Result, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return e.Infer(ctx, img)
}

// Infer scans img with the sliding window, row by row from the top and
// left to right within a row.
func (e *Engine) Infer(ctx context.Context, img image.Image) (*Result, error) {
	src := imaging.Clone(img)
	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image")
	}

	cols, rows, ok := e.GridSize(width, height)
	if !ok {
		e.logger.Warn("Image smaller than patch, falling back to whole-image inference",
			"width", width, "height", height, "patch_size", e.cfg.PatchSize)
		return e.inferWhole(ctx, src)
	}

	cells := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			top, left := r*e.cfg.Stride, c*e.cfg.Stride
			patch := imaging.Crop(src, image.Rect(left, top, left+e.cfg.PatchSize, top+e.cfg.PatchSize))

			prob, err := e.forgeryProbability(ctx, patch)
			if err != nil {
				return nil, fmt.Errorf("patch (%d,%d): %w", r, c, err)
			}
			cells = append(cells, prob)
		}
	}

	grid := Grid{Rows: rows, Cols: cols, Cells: cells}
	hm, err := heatmap.Render(grid.Cells, cols, rows, width, height)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Sliding-window inference complete", "rows", rows, "cols", cols, "score", grid.Mean())

	return &Result{
		Grid:      grid,
		Score:     grid.Mean(),
		Heatmap:   hm,
		Localized: true,
	}, nil
}

func (e *Engine) inferWhole(ctx context.Context, src *image.NRGBA) (*Result, error) {
	prob, err := e.forgeryProbability(ctx, src)
	if err != nil {
		return nil, err
	}

	grid := Grid{Rows: 1, Cols: 1, Cells: []float64{prob}}
	hm, err := heatmap.Render(grid.Cells, 1, 1, src.Bounds().Dx(), src.Bounds().Dy())
	if err != nil {
		return nil, err
	}

	return &Result{Grid: grid, Score: prob, Heatmap: hm, Localized: false}, nil
}

// LocalizedScore returns the aggregate score when the grid is localized and
// the neutral placeholder otherwise.
func (r *Result) LocalizedScore(neutral float64) float64 {
	if r.Localized {
		return r.Score
	}
	return neutral
}

func (e *Engine) forgeryProbability(ctx context.Context, img image.Image) (float64, error) {
	input := Preprocess(img, e.cfg.InputSize, e.cfg.Norm)

	out, err := e.classifier.Predict(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("classifier prediction failed: %w", err)
	}
	if len(out) <= ForgeryClass {
		return 0, fmt.Errorf("classifier returned %d classes, need at least %d", len(out), ForgeryClass+1)
	}

	probs := out
	if !isDistribution(out) {
		probs = softmax(out)
	}
	return clamp01(probs[ForgeryClass]), nil
}

func isDistribution(v []float64) bool {
	var sum float64
	for _, x := range v {
		if x < 0 || x > 1 || math.IsNaN(x) {
			return false
		}
		sum += x
	}
	return math.Abs(sum-1) < 1e-3
}

func softmax(v []float64) []float64 {
	maxV := math.Inf(-1)
	for _, x := range v {
		maxV = math.Max(maxV, x)
	}
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		out[i] = math.Exp(x - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
