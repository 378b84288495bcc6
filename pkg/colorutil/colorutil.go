// Package colorutil provides the overlay colors used to render read sheets.
package colorutil

import "image/color"

// Overlay colors.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Gray    = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	Green   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	Red     = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Blue    = color.RGBA{R: 0, G: 90, B: 255, A: 255}
	Yellow  = color.RGBA{R: 255, G: 220, B: 0, A: 255}
)

// Luminance returns the Rec. 601 luma of c in 0-255.
func Luminance(c color.RGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}
