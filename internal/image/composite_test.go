package image

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"omr-reader/pkg/colorutil"
)

func whitePage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

func TestComposite_Fill(t *testing.T) {
	base := whitePage(20, 20)
	c := NewComposite(base)
	c.Fill(image.Rect(0, 0, 10, 10), colorutil.Green, BlendMultiply, 1)
	c.Fill(image.Rect(10, 10, 20, 20), colorutil.Black, BlendNormal, 0.5)
	out := c.Render()

	if got := out.RGBAAt(5, 5); got != colorutil.Green {
		t.Errorf("multiply on white = %v, want %v", got, colorutil.Green)
	}
	if got := out.RGBAAt(15, 15); got.R != 128 || got.G != 128 || got.B != 128 {
		t.Errorf("half black on white = %v, want 128 gray", got)
	}
	if got := out.RGBAAt(15, 5); got != colorutil.White {
		t.Errorf("unmarked pixel = %v, want white", got)
	}
	if base.RGBAAt(5, 5) != colorutil.White {
		t.Error("Render modified the base image")
	}
}

func TestComposite_Outline(t *testing.T) {
	c := NewComposite(whitePage(20, 20))
	c.Outline(image.Rect(4, 4, 16, 16), colorutil.Black, 2)
	out := c.Render()

	tests := []struct {
		x, y int
		want color.RGBA
	}{
		{4, 4, colorutil.Black},
		{5, 10, colorutil.Black},
		{15, 15, colorutil.Black},
		{10, 10, colorutil.White},
		{6, 6, colorutil.White},
		{2, 2, colorutil.White},
	}
	for _, tt := range tests {
		if got := out.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestComposite_ClipsMarks(t *testing.T) {
	c := NewComposite(whitePage(10, 10))
	c.Fill(image.Rect(-5, -5, 3, 3), colorutil.Black, BlendNormal, 1)
	c.Fill(image.Rect(50, 50, 60, 60), colorutil.Black, BlendNormal, 1)
	out := c.Render()

	if colorutil.Luminance(out.RGBAAt(0, 0)) > 1 {
		t.Error("clipped mark not painted")
	}
	if colorutil.Luminance(out.RGBAAt(5, 5)) < 254 {
		t.Error("off-image mark leaked into the image")
	}
}
