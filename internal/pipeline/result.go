package pipeline

import (
	"image"
	"time"

	"omr-reader/internal/diag"
	"omr-reader/internal/template"
	"omr-reader/pkg/geometry"

	"github.com/google/uuid"
)

// SheetResult is the outcome of one submitted sheet. Exactly one is
// produced per submission, whatever the outcome.
type SheetResult struct {
	Index int
	ID    uuid.UUID
	Name  string
	State State
	Err   error

	// Fields maps every template field label to its selected values.
	Fields       map[string][]string
	Concatenated map[string]string
	Evaluation   *template.Evaluation
	MultiMarked  []string

	// Corners are the sheet corners found in the source image.
	Corners     geometry.Quad
	Diagnostics Diagnostics
	// Rectified is set only when the engine keeps rectified images.
	Rectified image.Image
	Duration  time.Duration
}

// Diagnostics records how a sheet was read.
type Diagnostics struct {
	Strategy           string
	Thresholds         map[string]float64
	GlobalThreshold    float64
	GlobalStdThreshold float64
	MatchScores        []float64
	// Shifts is the auto alignment offset of each field block.
	Shifts map[string]int
	// SourceFields locates each bubble field in source image pixels.
	SourceFields map[string]geometry.Rect
	Warnings     []diag.Warning
}

// OK reports whether the sheet was read successfully.
func (r *SheetResult) OK() bool {
	return r.State == StateDone
}

// sourceFields maps the extent of every bubble field on the rectified page
// back onto the source image through the inverse of h. It returns nil when
// h is not invertible.
func sourceFields(t *template.Template, h geometry.Homography, shifts map[string]int) map[string]geometry.Rect {
	inv, ok := h.Inverse()
	if !ok {
		return nil
	}
	points := make(map[string][]geometry.Point2D)
	for _, b := range t.Bubbles {
		r := b.Rect().ToFloat()
		r.X += float64(shifts[b.Block])
		points[b.FieldLabel] = append(points[b.FieldLabel],
			inv.Apply(geometry.NewPoint2D(r.X, r.Y)),
			inv.Apply(geometry.NewPoint2D(r.X+r.Width, r.Y)),
			inv.Apply(geometry.NewPoint2D(r.X+r.Width, r.Y+r.Height)),
			inv.Apply(geometry.NewPoint2D(r.X, r.Y+r.Height)))
	}
	out := make(map[string]geometry.Rect, len(points))
	for label, pts := range points {
		out[label] = geometry.BoundingBox(pts)
	}
	return out
}
