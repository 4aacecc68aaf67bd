package inference

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/disintegration/imaging"
)

// scriptedClassifier returns forgery probabilities in call order.
type scriptedClassifier struct {
	probs []float64
	calls int
}

func (s *scriptedClassifier) Predict(ctx context.Context, input *Tensor) ([]float64, error) {
	p := s.probs[s.calls%len(s.probs)]
	s.calls++
	return []float64{1 - p, p}, nil
}

// brightnessClassifier reports the mean red intensity of the input as the
// forgery probability.
type brightnessClassifier struct{}

func (brightnessClassifier) Predict(ctx context.Context, input *Tensor) ([]float64, error) {
	plane := input.Shape[2] * input.Shape[3]
	var sum float64
	for _, v := range input.Data[:plane] {
		sum += float64(v*ImageNet.Std[0] + ImageNet.Mean[0])
	}
	p := sum / float64(plane)
	return []float64{1 - p, p}, nil
}

type failingClassifier struct{}

func (failingClassifier) Predict(ctx context.Context, input *Tensor) ([]float64, error) {
	return nil, errors.New("model unavailable")
}

type logitClassifier struct{}

func (logitClassifier) Predict(ctx context.Context, input *Tensor) ([]float64, error) {
	return []float64{2, 0}, nil
}

func newTestEngine(t *testing.T, c Classifier) *Engine {
	t.Helper()
	e, err := NewEngine(c, DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestInferGridDimensionsAndOrder(t *testing.T) {
	probs := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	clf := &scriptedClassifier{probs: probs}
	e := newTestEngine(t, clf)

	img := imaging.New(512, 384, color.White)
	res, err := e.Infer(context.Background(), img)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	if res.Grid.Cols != 3 || res.Grid.Rows != 2 {
		t.Fatalf("grid = %dx%d, want 3 cols x 2 rows", res.Grid.Cols, res.Grid.Rows)
	}
	if clf.calls != 6 {
		t.Errorf("classifier calls = %d, want 6", clf.calls)
	}
	for i, want := range probs {
		if res.Grid.Cells[i] != want {
			t.Errorf("cell %d = %v, want %v", i, res.Grid.Cells[i], want)
		}
	}
	if res.Grid.At(1, 0) != 0.4 {
		t.Errorf("At(1,0) = %v, want 0.4", res.Grid.At(1, 0))
	}
	if math.Abs(res.Score-0.35) > 1e-9 {
		t.Errorf("score = %v, want 0.35", res.Score)
	}
	if !res.Localized {
		t.Error("expected localized result")
	}
	if b := res.Heatmap.Bounds(); b.Dx() != 512 || b.Dy() != 384 {
		t.Errorf("heatmap bounds = %v, want 512x384", b)
	}
}

func TestInferExactPatchSize(t *testing.T) {
	clf := &scriptedClassifier{probs: []float64{0.7}}
	e := newTestEngine(t, clf)

	res, err := e.Infer(context.Background(), imaging.New(256, 256, color.Black))
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if res.Grid.Rows != 1 || res.Grid.Cols != 1 || !res.Localized {
		t.Errorf("grid = %dx%d localized=%v, want 1x1 localized", res.Grid.Rows, res.Grid.Cols, res.Localized)
	}
}

func TestInferCellsFollowContent(t *testing.T) {
	e := newTestEngine(t, brightnessClassifier{})

	// bright left half, dark right half
	img := imaging.New(512, 256, color.Black)
	img = imaging.Paste(img, imaging.New(256, 256, color.White), image.Pt(0, 0))

	res, err := e.Infer(context.Background(), img)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	c := res.Grid.Cells
	if len(c) != 3 {
		t.Fatalf("cells = %d, want 3", len(c))
	}
	if !(c[0] > c[1] && c[1] > c[2]) {
		t.Errorf("cells not decreasing left to right: %v", c)
	}
	for _, v := range c {
		if v < 0 || v > 1 {
			t.Errorf("cell %v outside [0,1]", v)
		}
	}
	left, right := res.Heatmap.NRGBAAt(10, 128), res.Heatmap.NRGBAAt(500, 128)
	if left.R <= right.R {
		t.Errorf("heatmap left %+v should be hotter than right %+v", left, right)
	}
}

func TestInferSmallImageFallsBack(t *testing.T) {
	clf := &scriptedClassifier{probs: []float64{0.8}}
	e := newTestEngine(t, clf)

	res, err := e.Infer(context.Background(), imaging.New(100, 300, color.White))
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if clf.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", clf.calls)
	}
	if res.Localized {
		t.Error("expected unlocalized result")
	}
	if res.Score != 0.8 {
		t.Errorf("score = %v, want 0.8", res.Score)
	}
	if got := res.LocalizedScore(0.5); got != 0.5 {
		t.Errorf("LocalizedScore = %v, want neutral 0.5", got)
	}
	if b := res.Heatmap.Bounds(); b.Dx() != 100 || b.Dy() != 300 {
		t.Errorf("heatmap bounds = %v, want 100x300", b)
	}
}

func TestInferPropagatesClassifierError(t *testing.T) {
	e := newTestEngine(t, failingClassifier{})
	if _, err := e.Infer(context.Background(), imaging.New(300, 300, color.White)); err == nil {
		t.Fatal("expected error from failing classifier")
	}
}

func TestInferSoftmaxesLogits(t *testing.T) {
	e := newTestEngine(t, logitClassifier{})
	res, err := e.Infer(context.Background(), imaging.New(256, 256, color.White))
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	want := 1 / (1 + math.Exp(2))
	if math.Abs(res.Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", res.Score, want)
	}
}

func TestInferHonoursCancellation(t *testing.T) {
	e := newTestEngine(t, &scriptedClassifier{probs: []float64{0.5}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Infer(ctx, imaging.New(512, 512, color.White)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPreprocessShapeAndNormalization(t *testing.T) {
	tensor := Preprocess(imaging.New(50, 80, color.White), 224, ImageNet)
	if tensor.Shape != [4]int{1, 3, 224, 224} {
		t.Fatalf("shape = %v", tensor.Shape)
	}
	if len(tensor.Data) != 3*224*224 {
		t.Fatalf("len = %d", len(tensor.Data))
	}
	want := (1 - ImageNet.Mean[0]) / ImageNet.Std[0]
	if math.Abs(float64(tensor.Data[0]-want)) > 1e-5 {
		t.Errorf("red value = %v, want %v", tensor.Data[0], want)
	}
}

func TestGridSignature(t *testing.T) {
	g := Grid{Rows: 2, Cols: 3, Cells: []float64{0, 0, 0, 1, 1, 1}}
	sig, err := g.Signature(8)
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("len = %d, want 64", len(sig))
	}
	if sig[0] >= sig[63] {
		t.Errorf("top row %v should be lower than bottom row %v", sig[0], sig[63])
	}
}
