// Package imaging validates uploaded images before they are staged to blob
// storage: content type whitelist, byte-size cap, and decoded dimension
// cap, so a hostile or malformed upload never reaches BS or the inference
// worker.
package imaging

import (
	"bytes"
	"fmt"
	"image"

	// Registers JPEG/PNG/GIF decoders with image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// MaxFileSize is the ingress byte-size cap for one uploaded image (20MiB).
const MaxFileSize int64 = 20 * 1024 * 1024

// MaxDimension is the ingress cap on decoded width and height (8192px).
const MaxDimension = 8192

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// AllowedContentType reports whether contentType is one ingress accepts.
func AllowedContentType(contentType string) bool {
	return allowedContentTypes[contentType]
}

// Bounds is the decoded width/height of a validated image.
type Bounds struct {
	Width  int
	Height int
}

// Validate decodes just enough of data to read its dimensions and checks
// them against MaxDimension, without allocating the full decoded image.
func Validate(data []byte, contentType string) (Bounds, error) {
	if !AllowedContentType(contentType) {
		return Bounds{}, fmt.Errorf("unsupported content type %q", contentType)
	}
	if int64(len(data)) > MaxFileSize {
		return Bounds{}, fmt.Errorf("image exceeds max size of %d bytes", MaxFileSize)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Bounds{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return Bounds{}, fmt.Errorf("image dimensions %dx%d exceed max of %dx%d", cfg.Width, cfg.Height, MaxDimension, MaxDimension)
	}

	return Bounds{Width: cfg.Width, Height: cfg.Height}, nil
}
