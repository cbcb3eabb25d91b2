package segmentation

import (
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// validInputResolution snaps size to k*stride+1 with k = size/stride, the input
// sizes a strided MobileNet accepts without padding.
func validInputResolution(size, stride int) int {
	if (size-1)%stride == 0 {
		return size
	}
	v := (size/stride)*stride + 1
	if v < stride+1 {
		v = stride + 1
	}
	return v
}

// outputResolution is the size of the model's score map for an input size.
func outputResolution(inputSize, stride int) int {
	return (inputSize-1)/stride + 1
}

// internalSize scales a frame size by resolution and snaps it to a valid input.
func internalSize(width, height int, resolution float64, stride int) (int, int) {
	w := int(math.Round(float64(width) * resolution))
	h := int(math.Round(float64(height) * resolution))
	return validInputResolution(w, stride), validInputResolution(h, stride)
}

// toInputTensor resizes frame to width x height and lays it out as NHWC
// float32 in [-1, 1], the MobileNet input normalization.
func toInputTensor(frame image.Image, width, height int) []float32 {
	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)

	data := make([]float32, width*height*3)
	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			data[i+0] = float32(row[x*4+0])/127.5 - 1
			data[i+1] = float32(row[x*4+1])/127.5 - 1
			data[i+2] = float32(row[x*4+2])/127.5 - 1
		}
	}
	return data
}

func sigmoid(v float32) float64 {
	return 1 / (1 + math.Exp(-float64(v)))
}

// scoresToSegmentation turns a logits map of size mapW x mapH into a binary
// segmentation of size width x height. Scores are upsampled bilinearly and
// compared to threshold.
func scoresToSegmentation(logits []float32, mapW, mapH, width, height int, threshold float64) (*Segmentation, error) {
	if len(logits) < mapW*mapH {
		return nil, fmt.Errorf("score map has %d values, want %d", len(logits), mapW*mapH)
	}

	scores := image.NewGray(image.Rect(0, 0, mapW, mapH))
	for i := 0; i < mapW*mapH; i++ {
		scores.Pix[i] = uint8(math.Round(sigmoid(logits[i]) * 255))
	}

	full := image.NewGray(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(full, full.Bounds(), scores, scores.Bounds(), xdraw.Src, nil)

	cut := threshold * 255
	seg := NewSegmentation(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if float64(full.GrayAt(x, y).Y) > cut {
				seg.Data[y*width+x] = 1
			}
		}
	}
	return seg, nil
}
