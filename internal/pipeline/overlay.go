package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"slices"

	sheetimage "omr-reader/internal/image"
	"omr-reader/pkg/colorutil"
)

// Overlay renders the rectified sheet with every bubble outlined and the
// selected ones shaded green or red against the answer key, or blue when
// the field has no key. Multi-marked fields are tinted magenta and decoded
// regions are framed in yellow. The result must come from an engine built
// with WithRectified.
func (e *Engine) Overlay(res *SheetResult) (*image.RGBA, error) {
	if res.Rectified == nil {
		return nil, fmt.Errorf("overlay %s: no rectified image", res.Name)
	}

	verdicts := make(map[string]bool)
	if res.Evaluation != nil {
		for _, v := range res.Evaluation.Verdicts {
			verdicts[v.Label] = v.Correct
		}
	}

	c := sheetimage.NewComposite(res.Rectified)
	fields := make(map[string]image.Rectangle)
	for _, b := range e.tmpl.Bubbles {
		r := b.Rect().Rectangle().Add(image.Pt(res.Diagnostics.Shifts[b.Block], 0))
		fields[b.FieldLabel] = fields[b.FieldLabel].Union(r)
		if !slices.Contains(res.Fields[b.FieldLabel], b.Value) {
			c.Outline(r, colorutil.Gray, 1)
			continue
		}
		c.Fill(r, markColor(verdicts, b.FieldLabel), sheetimage.BlendNormal, 0.6)
		c.Outline(r, colorutil.Black, 1)
	}
	for _, label := range res.MultiMarked {
		box := fields[label].Inset(-3)
		c.Fill(box, colorutil.Magenta, sheetimage.BlendMultiply, 0.25)
		c.Outline(box, colorutil.Magenta, 2)
	}
	for _, f := range e.tmpl.Decoded {
		c.Outline(image.Rect(int(f.Region.X), int(f.Region.Y),
			int(f.Region.X+f.Region.Width), int(f.Region.Y+f.Region.Height)), colorutil.Yellow, 2)
	}
	return c.Render(), nil
}

func markColor(verdicts map[string]bool, label string) color.RGBA {
	correct, ok := verdicts[label]
	switch {
	case !ok:
		return colorutil.Blue
	case correct:
		return colorutil.Green
	default:
		return colorutil.Red
	}
}
