// Package texture holds the mask texture shared between the segmentation
// pipeline (writer) and the billboard renderer (reader).
package texture

import (
	"image"
	"sync"
)

// MaskTexture is the backing store of the mask the renderer binds as the
// billboard's alpha channel. Writers replace the whole image under the lock,
// so a reader never observes a partially written mask.
type MaskTexture struct {
	mu      sync.Mutex
	img     *image.RGBA
	dirty   bool
	version uint64
}

// NewMaskTexture returns an empty texture.
func NewMaskTexture() *MaskTexture {
	return &MaskTexture{}
}

// Update copies mask into the backing store and marks the texture dirty. The
// backing image is reallocated only when the mask size changes.
func (t *MaskTexture) Update(mask *image.RGBA) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rect := image.Rect(0, 0, mask.Rect.Dx(), mask.Rect.Dy())
	if t.img == nil || t.img.Rect != rect {
		t.img = image.NewRGBA(rect)
	}
	for y := 0; y < rect.Dy(); y++ {
		src := mask.Pix[mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y):]
		dst := t.img.Pix[y*t.img.Stride:]
		copy(dst[:rect.Dx()*4], src[:rect.Dx()*4])
	}
	t.version++
	t.dirty = true
	return t.version
}

// Dirty reports whether the texture changed since the last Consume.
func (t *MaskTexture) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Version counts the updates so far.
func (t *MaskTexture) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Consume returns a copy of the mask and clears the dirty flag. ok is false
// when nothing changed since the previous Consume.
func (t *MaskTexture) Consume() (mask *image.RGBA, version uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty || t.img == nil {
		return nil, t.version, false
	}
	t.dirty = false
	return clone(t.img), t.version, true
}

// Snapshot returns a copy of the current mask without touching the dirty
// flag. ok is false before the first Update.
func (t *MaskTexture) Snapshot() (mask *image.RGBA, version uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.img == nil {
		return nil, t.version, false
	}
	return clone(t.img), t.version, true
}

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
