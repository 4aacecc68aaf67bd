package inference

import (
	"image"

	"github.com/disintegration/imaging"
)

// Tensor is a batch-of-one NCHW float32 input.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// Normalization holds per-channel RGB mean and standard deviation.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNet is the normalization the classifier was trained with.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Preprocess resizes img to size x size (bilinear) and converts it to a
// normalized CHW tensor with values (pixel/255 - mean) / std.
func Preprocess(img image.Image, size int, norm Normalization) *Tensor {
	resized := imaging.Resize(img, size, size, imaging.Linear)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*resized.Stride + x*4
			p := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[i+c]) / 255
				data[c*plane+p] = (v - norm.Mean[c]) / norm.Std[c]
			}
		}
	}

	return &Tensor{Shape: [4]int{1, 3, size, size}, Data: data}
}
