package segmentation

import (
	"fmt"
	"image"
	"image/color"
)

var (
	// White is the person color of a mask.
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	// Black is the background color of a mask.
	Black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// ToMask renders seg as an image of the same size with person pixels set to
// foreground and all others to background. No other values are produced.
// A malformed seg is rejected with ErrInference.
func ToMask(seg *Segmentation, foreground, background color.RGBA) (*image.RGBA, error) {
	return ToMaskInto(nil, seg, foreground, background)
}

// ToMaskInto is ToMask writing into dst when dst has the right size, and into
// a new image otherwise. It returns the image written.
func ToMaskInto(dst *image.RGBA, seg *Segmentation, foreground, background color.RGBA) (*image.RGBA, error) {
	if err := seg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	rect := image.Rect(0, 0, seg.Width, seg.Height)
	if dst == nil || dst.Rect != rect {
		dst = image.NewRGBA(rect)
	}

	fg := [4]uint8{foreground.R, foreground.G, foreground.B, foreground.A}
	bg := [4]uint8{background.R, background.G, background.B, background.A}

	for y := 0; y < seg.Height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+seg.Width*4]
		src := seg.Data[y*seg.Width : (y+1)*seg.Width]
		for x, v := range src {
			px := row[x*4 : x*4+4 : x*4+4]
			if v != 0 {
				copy(px, fg[:])
			} else {
				copy(px, bg[:])
			}
		}
	}
	return dst, nil
}
