package image

import (
	"image"
	"image/color"
	"image/draw"
)

// BlendMode specifies how a mark is composited onto the sheet.
type BlendMode int

const (
	BlendNormal BlendMode = iota
	BlendMultiply
)

func (m BlendMode) String() string {
	switch m {
	case BlendNormal:
		return "Normal"
	case BlendMultiply:
		return "Multiply"
	default:
		return "Unknown"
	}
}

// Mark is a rectangle painted over the sheet, either filled or as an
// outline of the given stroke width.
type Mark struct {
	Rect    image.Rectangle
	Color   color.RGBA
	Mode    BlendMode
	Opacity float64
	Stroke  int // 0 fills the rectangle
}

// Composite draws marks over a base sheet image.
type Composite struct {
	Base  image.Image
	Marks []Mark
}

// NewComposite creates a composite over base.
func NewComposite(base image.Image) *Composite {
	return &Composite{Base: base}
}

// Fill adds a filled mark.
func (c *Composite) Fill(r image.Rectangle, col color.RGBA, mode BlendMode, opacity float64) {
	c.Marks = append(c.Marks, Mark{Rect: r, Color: col, Mode: mode, Opacity: opacity})
}

// Outline adds an outlined mark.
func (c *Composite) Outline(r image.Rectangle, col color.RGBA, stroke int) {
	if stroke < 1 {
		stroke = 1
	}
	c.Marks = append(c.Marks, Mark{Rect: r, Color: col, Mode: BlendNormal, Opacity: 1, Stroke: stroke})
}

// Render produces the composited image. The base is not modified.
func (c *Composite) Render() *image.RGBA {
	bounds := c.Base.Bounds()
	result := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(result, result.Bounds(), c.Base, bounds.Min, draw.Src)

	for _, m := range c.Marks {
		r := m.Rect.Intersect(result.Bounds())
		if r.Empty() {
			continue
		}
		if m.Stroke == 0 {
			c.paint(result, r, m)
			continue
		}
		s := m.Stroke
		c.paint(result, image.Rect(r.Min.X, r.Min.Y, r.Max.X, min(r.Min.Y+s, r.Max.Y)), m)
		c.paint(result, image.Rect(r.Min.X, max(r.Max.Y-s, r.Min.Y), r.Max.X, r.Max.Y), m)
		c.paint(result, image.Rect(r.Min.X, r.Min.Y, min(r.Min.X+s, r.Max.X), r.Max.Y), m)
		c.paint(result, image.Rect(max(r.Max.X-s, r.Min.X), r.Min.Y, r.Max.X, r.Max.Y), m)
	}
	return result
}

func (c *Composite) paint(dst *image.RGBA, r image.Rectangle, m Mark) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetRGBA(x, y, blend(dst.RGBAAt(x, y), m.Color, m.Mode, m.Opacity))
		}
	}
}

// blend mixes src over dst with the given mode and opacity.
func blend(dst, src color.RGBA, mode BlendMode, opacity float64) color.RGBA {
	sf := [3]float64{float64(src.R) / 255, float64(src.G) / 255, float64(src.B) / 255}
	df := [3]float64{float64(dst.R) / 255, float64(dst.G) / 255, float64(dst.B) / 255}

	var rf [3]float64
	switch mode {
	case BlendMultiply:
		for i := range rf {
			rf[i] = sf[i] * df[i]
		}
	default:
		rf = sf
	}

	alpha := clamp(float64(src.A)/255*opacity, 0, 1)
	var out [3]uint8
	for i := range out {
		out[i] = uint8(clamp(rf[i]*alpha+df[i]*(1-alpha), 0, 1)*255 + 0.5)
	}
	return color.RGBA{R: out[0], G: out[1], B: out[2], A: 255}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
