package texture

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// Composite draws video as color and mask as alpha onto an NRGBA surface the
// size of video. The alpha of each pixel is the mask's green channel, so a
// white/black mask keeps the person and clears the background. A mask of a
// different size is stretched over the frame. dst is reused when it has the
// right bounds.
func Composite(dst *image.NRGBA, video image.Image, mask image.Image) *image.NRGBA {
	vb := video.Bounds()
	rect := image.Rect(0, 0, vb.Dx(), vb.Dy())
	if dst == nil || dst.Rect != rect {
		dst = image.NewNRGBA(rect)
	}
	draw.Draw(dst, rect, video, vb.Min, draw.Src)

	if mask == nil {
		return dst
	}

	alpha := toRGBA(mask, rect)
	for y := 0; y < rect.Dy(); y++ {
		row := dst.Pix[y*dst.Stride:]
		arow := alpha.Pix[y*alpha.Stride:]
		for x := 0; x < rect.Dx(); x++ {
			row[x*4+3] = arow[x*4+1]
		}
	}
	return dst
}

// toRGBA returns mask as an RGBA image of exactly rect's size.
func toRGBA(mask image.Image, rect image.Rectangle) *image.RGBA {
	mb := mask.Bounds()
	if m, ok := mask.(*image.RGBA); ok && mb.Dx() == rect.Dx() && mb.Dy() == rect.Dy() && mb.Min == image.Pt(0, 0) {
		return m
	}
	out := image.NewRGBA(rect)
	if mb.Dx() == rect.Dx() && mb.Dy() == rect.Dy() {
		draw.Draw(out, rect, mask, mb.Min, draw.Src)
		return out
	}
	// Nearest neighbour keeps the mask two-valued.
	xdraw.NearestNeighbor.Scale(out, rect, mask, mb, xdraw.Src, nil)
	return out
}
