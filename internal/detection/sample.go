package detection

import (
	"math"

	"omr-reader/internal/diag"
	"omr-reader/internal/template"

	"gocv.io/x/gocv"
)

// grayscale returns a single-channel copy of src, min-max stretched to
// 0..255 when normalize is set and the image is not flat. The caller owns
// the result.
func grayscale(src gocv.Mat, normalize bool) gocv.Mat {
	gray := gocv.NewMat()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	if !normalize {
		return gray
	}

	minVal, maxVal, _, _ := gocv.MinMaxIdx(gray)
	if maxVal <= minVal {
		return gray
	}
	stretched := gocv.NewMat()
	gocv.Normalize(gray, &stretched, 0, 255, gocv.NormMinMax)
	gray.Close()
	return stretched
}

// sampleStrip returns the mean intensity of each bubble footprint in the
// strip, moved right by shift pixels. Footprints entirely outside the image
// yield NaN and a warning.
func sampleStrip(gray gocv.Mat, strip template.Strip, shift int) ([]float64, []diag.Warning) {
	means := make([]float64, len(strip.Bubbles))
	var warnings []diag.Warning
	for i, b := range strip.Bubbles {
		rect := b.Rect()
		rect.X += shift
		rect = rect.Clip(gray.Cols(), gray.Rows())
		if rect.Empty() {
			means[i] = math.NaN()
			w := diag.Warnf(diag.InvalidBubbleFootprint,
				"bubble %q at (%.0f,%.0f) lies outside the %dx%d image",
				b.Value, b.X, b.Y, gray.Cols(), gray.Rows())
			w.Field = strip.Label
			warnings = append(warnings, w)
			continue
		}
		region := gray.Region(rect.Rectangle())
		means[i] = region.Mean().Val1
		region.Close()
	}
	return means, warnings
}

// present drops NaN entries.
func present(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
