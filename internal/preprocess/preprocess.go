// Package preprocess turns decoded images into the float tensor the classifier consumes.
package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// DefaultSize is the model's square input edge length.
const DefaultSize = 224

// Channels is the number of values written per pixel (R, G, B).
const Channels = 3

// InvalidDimensionError reports an image that was not resized to the expected square.
type InvalidDimensionError struct {
	Want   int
	Width  int
	Height int
}

// Error implements the error interface.
func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("preprocess: image is %dx%d, want %dx%d", e.Width, e.Height, e.Want, e.Want)
}

// TensorLen returns the number of floats produced for an edge length of size.
func TensorLen(size int) int {
	return Channels * size * size
}

// Shape returns the NHWC model input shape for an edge length of size.
func Shape(size int) []int64 {
	return []int64{1, int64(size), int64(size), Channels}
}

// Resize scales img to exactly size x size without filtering.
func Resize(img image.Image, size int) image.Image {
	return resize.Resize(uint(size), uint(size), img, resize.NearestNeighbor)
}

// Prepare reads img row-major from the top-left corner and writes each pixel's
// red, green and blue channels divided by 255. img must already be size x size.
func Prepare(img image.Image, size int) ([]float32, error) {
	bounds := img.Bounds()
	if bounds.Dx() != size || bounds.Dy() != size {
		return nil, &InvalidDimensionError{Want: size, Width: bounds.Dx(), Height: bounds.Dy()}
	}

	out := make([]float32, 0, TensorLen(size))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out = append(out,
				float32(px.R)/255,
				float32(px.G)/255,
				float32(px.B)/255,
			)
		}
	}
	return out, nil
}
