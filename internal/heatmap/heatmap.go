// Package heatmap renders scalar maps as jet-colored images and encodes
// images for inline transport.
package heatmap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Jet maps an intensity to the jet ramp: 0 is dark blue, 255 is dark red.
func Jet(v uint8) color.NRGBA {
	x := float64(v) / 255
	return color.NRGBA{
		R: ramp(1.5 - math.Abs(4*x-3)),
		G: ramp(1.5 - math.Abs(4*x-2)),
		B: ramp(1.5 - math.Abs(4*x-1)),
		A: 255,
	}
}

func ramp(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(v * 255))
}

// GrayFromValues builds a cols x rows grayscale image from row-major values
// in [0,1]. Values outside the range are clamped.
func GrayFromValues(values []float64, cols, rows int) (*image.Gray, error) {
	if cols <= 0 || rows <= 0 || len(values) != cols*rows {
		return nil, fmt.Errorf("grid %dx%d does not match %d values", cols, rows, len(values))
	}
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for i, v := range values {
		img.Pix[(i/cols)*img.Stride+i%cols] = ToByte(v)
	}
	return img, nil
}

// ToByte scales a unit value to 0..255
func ToByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// Upsample resizes a scalar map to width x height with bilinear filtering.
func Upsample(src *image.Gray, width, height int) *image.Gray {
	resized := imaging.Resize(src, width, height, imaging.Linear)
	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// imaging returns NRGBA with equal channels for gray input
			out.Pix[y*out.Stride+x] = resized.Pix[y*resized.Stride+x*4]
		}
	}
	return out
}

// Colorize maps every pixel of a scalar map through the jet ramp. Output is
// in RGB channel order.
func Colorize(src *image.Gray) *image.NRGBA {
	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := Jet(src.Pix[y*src.Stride+x])
			i := y*out.Stride + x*4
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 255
		}
	}
	return out
}

// Render upsamples a row-major [0,1] grid to width x height and colors it.
// Interpolation happens on the float values so cell boundaries are not
// stepped by early quantization.
func Render(values []float64, cols, rows, width, height int) (*image.NRGBA, error) {
	smooth, err := UpsampleValues(values, cols, rows, width, height)
	if err != nil {
		return nil, err
	}
	gray, err := GrayFromValues(smooth, width, height)
	if err != nil {
		return nil, err
	}
	return Colorize(gray), nil
}

// UpsampleValues bilinearly resizes a row-major cols x rows grid to
// width x height. Sample centers sit at half-pixel offsets and edges are
// clamped.
func UpsampleValues(values []float64, cols, rows, width, height int) ([]float64, error) {
	if cols <= 0 || rows <= 0 || len(values) != cols*rows {
		return nil, fmt.Errorf("grid %dx%d does not match %d values", cols, rows, len(values))
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	out := make([]float64, width*height)
	sx := float64(cols) / float64(width)
	sy := float64(rows) / float64(height)
	for y := 0; y < height; y++ {
		y0, y1, fy := neighbours((float64(y)+0.5)*sy-0.5, rows)
		for x := 0; x < width; x++ {
			x0, x1, fx := neighbours((float64(x)+0.5)*sx-0.5, cols)
			top := values[y0*cols+x0]*(1-fx) + values[y0*cols+x1]*fx
			bottom := values[y1*cols+x0]*(1-fx) + values[y1*cols+x1]*fx
			out[y*width+x] = top*(1-fy) + bottom*fy
		}
	}
	return out, nil
}

// neighbours returns the two source indices around pos and the weight of
// the second one.
func neighbours(pos float64, n int) (int, int, float64) {
	if pos <= 0 {
		return 0, 0, 0
	}
	if pos >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	i := int(pos)
	return i, i + 1, pos - float64(i)
}

// EncodeBase64PNG encodes an image as PNG and returns it base64 (standard
// alphabet) encoded.
func EncodeBase64PNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("failed to encode PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
