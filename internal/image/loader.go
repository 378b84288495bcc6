// Package image loads sheet and marker rasters.
package image

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// LoadOptions controls decoding of sheet images.
type LoadOptions struct {
	// AutoOrient applies the EXIF orientation tag, which phone photos of
	// sheets usually carry.
	AutoOrient bool
	// MaxWidth downscales wider images to this width, keeping the aspect
	// ratio. Zero disables downscaling.
	MaxWidth int
}

// DefaultLoadOptions returns the options used when none are given.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AutoOrient: true}
}

// Raster is a decoded sheet or marker image.
type Raster struct {
	Path   string      // Source file path, empty for in-memory input
	Image  image.Image // Decoded pixels
	Scaled bool        // True when downscaled to MaxWidth
}

// Width returns the image width in pixels.
func (r *Raster) Width() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dx()
}

// Height returns the image height in pixels.
func (r *Raster) Height() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dy()
}

// Load decodes an image file.
func Load(path string, opts LoadOptions) (*Raster, error) {
	if !IsSupportedFormat(path) {
		return nil, fmt.Errorf("unsupported image format: %s", filepath.Ext(path))
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	r := finish(img, opts)
	r.Path = path
	return r, nil
}

// Decode decodes an image from a reader.
func Decode(rd io.Reader, opts LoadOptions) (*Raster, error) {
	img, err := imaging.Decode(rd, imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return finish(img, opts), nil
}

// DecodeBytes decodes an in-memory encoded image.
func DecodeBytes(data []byte, opts LoadOptions) (*Raster, error) {
	return Decode(bytes.NewReader(data), opts)
}

func finish(img image.Image, opts LoadOptions) *Raster {
	r := &Raster{Image: img}
	if opts.MaxWidth > 0 && img.Bounds().Dx() > opts.MaxWidth {
		r.Image = imaging.Resize(img, opts.MaxWidth, 0, imaging.Lanczos)
		r.Scaled = true
	}
	return r
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tiff", ".tif", ".png", ".jpg", ".jpeg", ".bmp"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}
