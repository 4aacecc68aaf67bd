package processor

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/forensics-worker/internal/models"
)

func box(x, y, w, h int) models.OCRToken {
	return models.OCRToken{Text: "w", BoundingBox: &models.BoundingBox{X: x, Y: y, Width: w, Height: h}}
}

func TestAnalyzeSpatialConsistency(t *testing.T) {
	la := NewLayoutAnalyzer()

	tests := []struct {
		name    string
		tokens  []models.OCRToken
		wantMin float64
		wantMax float64
	}{
		{"no boxes", []models.OCRToken{{Text: "a"}, {Text: "b"}, {Text: "c"}}, 0, 0},
		{"too few", []models.OCRToken{box(0, 0, 10, 20), box(20, 0, 10, 20)}, 0, 0},
		{"uniform line", []models.OCRToken{
			box(0, 100, 40, 20), box(50, 100, 40, 20), box(100, 100, 40, 20), box(150, 100, 40, 20),
		}, 0, 0},
		{"pasted word", []models.OCRToken{
			box(0, 100, 40, 20), box(50, 100, 40, 20), box(100, 100, 40, 20), box(150, 94, 40, 32),
		}, 0.1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := la.AnalyzeSpatialConsistency(tt.tokens)
			if err != nil {
				t.Fatal(err)
			}
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("score = %v, want in [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestGroupIntoLines(t *testing.T) {
	boxes := []models.BoundingBox{
		{X: 100, Y: 50, Width: 10, Height: 20},
		{X: 0, Y: 0, Width: 10, Height: 20},
		{X: 0, Y: 52, Width: 10, Height: 20},
		{X: 50, Y: 2, Width: 10, Height: 20},
	}
	lines := groupIntoLines(boxes)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].boxes[0].X != 0 || lines[0].boxes[1].X != 50 {
		t.Errorf("first line not ordered left to right: %+v", lines[0].boxes)
	}
}

func TestMedian(t *testing.T) {
	if m := median([]float64{3, 1, 2}); m != 2 {
		t.Errorf("median odd = %v", m)
	}
	if m := median([]float64{4, 1, 3, 2}); m != 2.5 {
		t.Errorf("median even = %v", m)
	}
	if m := median(nil); m != 0 {
		t.Errorf("median empty = %v", m)
	}
}

func TestELAScoreRange(t *testing.T) {
	ela := NewELACalculator()

	flat := imaging.New(64, 64, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	_, flatScore, err := ela.Compute(flat)
	if err != nil {
		t.Fatal(err)
	}

	noisy := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < len(noisy.Pix); i += 4 {
		v := uint8((i * 7919) % 251)
		noisy.Pix[i], noisy.Pix[i+1], noisy.Pix[i+2], noisy.Pix[i+3] = v, 255-v, v/2, 255
	}
	diff, noisyScore, err := ela.Compute(noisy)
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []float64{flatScore, noisyScore} {
		if s < 0 || s > 1 {
			t.Errorf("score %v out of [0,1]", s)
		}
	}
	if noisyScore <= flatScore {
		t.Errorf("noisy score %v should exceed flat score %v", noisyScore, flatScore)
	}
	if diff.Bounds() != noisy.Bounds() {
		t.Errorf("diff bounds = %v", diff.Bounds())
	}
}

func TestCalculateELAFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.png")
	if err := imaging.Save(imaging.New(32, 32, color.White), path); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewELACalculator().CalculateELA(context.Background(), path); err != nil {
		t.Errorf("CalculateELA() error = %v", err)
	}
	if _, _, err := NewELACalculator().CalculateELA(context.Background(), path+".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte("%PDF-1.7"), "application/pdf"},
		{[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{[]byte("II*\x00"), "image/tiff"},
		{[]byte("hello world"), ""},
		{[]byte("%P"), ""},
	}
	for _, tt := range tests {
		if got := DetectMimeType(tt.data); got != tt.want {
			t.Errorf("DetectMimeType(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

func TestIsPDF(t *testing.T) {
	for path, want := range map[string]bool{
		"a.pdf":       true,
		"a.PDF":       true,
		"a.pdf.png":   false,
		"pdf":         false,
		"/x/y/z.jpeg": false,
	} {
		if got := isPDF(path); got != want {
			t.Errorf("isPDF(%q) = %v, want %v", path, got, want)
		}
	}
}
