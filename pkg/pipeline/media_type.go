package pipeline

// VideoMediaType represents the media type for video data
type VideoMediaType string

const (
	// Raw RGBA frames (image.RGBA / image.NRGBA pixel layout)
	VideoMediaTypeRaw VideoMediaType = "video/x-raw"
	// Raw single-purpose mask frames, two-valued RGBA
	VideoMediaTypeMask VideoMediaType = "video/x-mask"
	// PNG encoded frame, keeps the alpha channel
	VideoMediaTypePNG VideoMediaType = "image/png"
	// JPEG encoded frame, alpha dropped
	VideoMediaTypeJPEG VideoMediaType = "image/jpeg"
)

// String returns the string representation of VideoMediaType
func (vmt VideoMediaType) String() string {
	return string(vmt)
}

// Encoded reports whether frames of this type carry compressed bytes
// rather than a decoded image.
func (vmt VideoMediaType) Encoded() bool {
	return vmt == VideoMediaTypePNG || vmt == VideoMediaTypeJPEG
}
