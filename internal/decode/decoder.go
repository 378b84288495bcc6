// Package decode reads fields that are not bubbles: QR codes and printed
// text boxes. Each decoder returns an opaque string.
package decode

import (
	"errors"
	"fmt"
	"io"
	"math"

	"omr-reader/internal/template"
	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

// ErrNotDecoded means the region held nothing the decoder could read.
var ErrNotDecoded = errors.New("nothing decoded")

// Decoder turns an image region into a string.
type Decoder interface {
	Decode(region gocv.Mat) (string, error)
}

// Registry maps decode kinds to decoders.
type Registry struct {
	decoders map[template.DecodeKind]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[template.DecodeKind]Decoder)}
}

// Register sets the decoder for a kind, replacing any previous one.
func (r *Registry) Register(kind template.DecodeKind, d Decoder) {
	r.decoders[kind] = d
}

// Lookup returns the decoder for a kind.
func (r *Registry) Lookup(kind template.DecodeKind) (Decoder, bool) {
	if r == nil {
		return nil, false
	}
	d, ok := r.decoders[kind]
	return d, ok
}

// DecodeField crops the field's region out of the rectified image and runs
// the matching decoder on it.
func (r *Registry) DecodeField(img gocv.Mat, field template.DecodedField) (string, error) {
	d, ok := r.Lookup(field.Kind)
	if !ok {
		return "", fmt.Errorf("no decoder for %s field %q", field.Kind, field.Label)
	}

	rect := toRectInt(field.Region).Clip(img.Cols(), img.Rows())
	if rect.Empty() {
		return "", fmt.Errorf("%w: region of %q lies outside the image", ErrNotDecoded, field.Label)
	}
	region := img.Region(rect.Rectangle())
	defer region.Close()

	text, err := d.Decode(region)
	if err != nil {
		return "", fmt.Errorf("%s field %q: %w", field.Kind, field.Label, err)
	}
	return text, nil
}

// Close releases every registered decoder that holds native resources.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, d := range r.decoders {
		if c, ok := d.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func toRectInt(r geometry.Rect) geometry.RectInt {
	return geometry.NewRectInt(
		int(math.Floor(r.X)), int(math.Floor(r.Y)),
		int(math.Ceil(r.Width)), int(math.Ceil(r.Height)),
	)
}
