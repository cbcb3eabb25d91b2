package segmentation

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMask(t *testing.T) {
	seg := NewSegmentation(3, 2)
	seg.Data[0] = 1
	seg.Data[4] = 1

	mask, err := ToMask(seg, White, Black)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 3, 2), mask.Bounds())

	assert.Equal(t, White, mask.RGBAAt(0, 0))
	assert.Equal(t, Black, mask.RGBAAt(1, 0))
	assert.Equal(t, White, mask.RGBAAt(1, 1))
	assert.Equal(t, Black, mask.RGBAAt(2, 1))
}

func TestToMaskIsTwoValued(t *testing.T) {
	seg := NewSegmentation(16, 16)
	for i := range seg.Data {
		if i%3 == 0 {
			seg.Data[i] = 1
		}
	}

	fg := color.RGBA{R: 0, G: 200, B: 0, A: 255}
	bg := color.RGBA{R: 10, G: 0, B: 0, A: 128}
	mask, err := ToMask(seg, fg, bg)
	require.NoError(t, err)

	seen := map[color.RGBA]int{}
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			seen[mask.RGBAAt(x, y)]++
		}
	}
	assert.Len(t, seen, 2)
	assert.Equal(t, seg.PersonPixels(), seen[fg])
	assert.Equal(t, 256-seg.PersonPixels(), seen[bg])
}

func TestToMaskInto(t *testing.T) {
	seg := NewSegmentation(2, 2)
	seg.Data[3] = 1

	dst := image.NewRGBA(image.Rect(0, 0, 2, 2))
	got, err := ToMaskInto(dst, seg, White, Black)
	require.NoError(t, err)
	assert.Same(t, dst, got)
	assert.Equal(t, White, got.RGBAAt(1, 1))

	small := image.NewRGBA(image.Rect(0, 0, 1, 1))
	got, err = ToMaskInto(small, seg, White, Black)
	require.NoError(t, err)
	assert.NotSame(t, small, got)
	assert.Equal(t, image.Rect(0, 0, 2, 2), got.Bounds())
}

func TestToMaskRejectsMalformedSegmentation(t *testing.T) {
	tests := []struct {
		name string
		seg  *Segmentation
	}{
		{"nil", nil},
		{"zero width", &Segmentation{Width: 0, Height: 4}},
		{"negative height", &Segmentation{Width: 4, Height: -1}},
		{"short data", &Segmentation{Width: 8, Height: 6, Data: make([]uint8, 3)}},
		{"long data", &Segmentation{Width: 2, Height: 2, Data: make([]uint8, 5)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := image.NewRGBA(image.Rect(0, 0, 8, 6))
			mask, err := ToMaskInto(dst, tt.seg, White, Black)
			assert.ErrorIs(t, err, ErrInference)
			assert.Nil(t, mask)
		})
	}
}
