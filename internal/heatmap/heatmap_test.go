package heatmap

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"math"
	"testing"
)

func TestJetEndpoints(t *testing.T) {
	low := Jet(0)
	if low.B == 0 || low.R != 0 || low.G != 0 {
		t.Errorf("Jet(0) = %+v, want blue", low)
	}
	high := Jet(255)
	if high.R == 0 || high.B != 0 || high.G != 0 {
		t.Errorf("Jet(255) = %+v, want red", high)
	}
	mid := Jet(128)
	if mid.G != 255 {
		t.Errorf("Jet(128) = %+v, want full green", mid)
	}
}

func TestGrayFromValuesRejectsMismatch(t *testing.T) {
	if _, err := GrayFromValues([]float64{0.1, 0.2, 0.3}, 2, 2); err == nil {
		t.Error("expected error for short value slice")
	}
}

func TestRenderDimensions(t *testing.T) {
	values := []float64{0, 0.25, 0.5, 0.75, 1, 0.5}
	img, err := Render(values, 3, 2, 300, 200)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if img.Bounds().Dx() != 300 || img.Bounds().Dy() != 200 {
		t.Errorf("bounds = %v, want 300x200", img.Bounds())
	}
}

func TestRenderUniformGrid(t *testing.T) {
	img, err := Render([]float64{1}, 1, 1, 10, 10)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := Jet(255)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if got := img.NRGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %+v, want %+v", x, y, got, want)
			}
		}
	}
}

func TestUpsampleValues(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   []float64
	}{
		{"ramp", []float64{0, 1}, []float64{0, 0.25, 0.75, 1}},
		// differences far below one gray level survive interpolation
		{"subquantum", []float64{0, 0.002}, []float64{0, 0.0005, 0.0015, 0.002}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UpsampleValues(tt.values, 2, 1, 4, 1)
			if err != nil {
				t.Fatal(err)
			}
			for i := range tt.want {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("value %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}

	if _, err := UpsampleValues([]float64{1}, 1, 1, 0, 4); err == nil {
		t.Error("expected error for empty target")
	}
}

func TestRenderInterpolatesBeforeQuantizing(t *testing.T) {
	img, err := Render([]float64{0, 1}, 2, 1, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for x, want := range []uint8{0, ToByte(0.25), ToByte(0.75), 255} {
		if got := img.NRGBAAt(x, 0); got != Jet(want) {
			t.Errorf("pixel %d = %+v, want %+v", x, got, Jet(want))
		}
	}
}

func TestEncodeBase64PNG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	encoded, err := EncodeBase64PNG(src)
	if err != nil {
		t.Fatalf("EncodeBase64PNG() error = %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("not valid base64: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 4 || decoded.Bounds().Dy() != 3 {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}
}
