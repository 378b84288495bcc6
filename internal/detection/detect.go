package detection

import (
	"fmt"
	"math"

	"omr-reader/internal/diag"
	"omr-reader/internal/template"

	"gocv.io/x/gocv"
)

// Result holds the fill decisions for one rectified sheet.
type Result struct {
	// Fields maps every bubble field label to its selected values in
	// template value order. An empty slice means unanswered.
	Fields map[string][]string
	// Thresholds is the local threshold used for each field.
	Thresholds         map[string]float64
	GlobalThreshold    float64
	GlobalStdThreshold float64
	// GlobalGap is false when no jump above MinJump separated the means,
	// in which case a field falling back to the global threshold is empty.
	GlobalGap bool
	// Shifts holds the horizontal offset applied to each field block when
	// auto alignment is enabled.
	Shifts map[string]int
	// Means are the sampled bubble intensities in value order; NaN marks a
	// footprint outside the image.
	Means       map[string][]float64
	MultiMarked []string
	Warnings    []diag.Warning
}

// Detect samples every bubble of t on the rectified image and decides which
// are filled. The image is not modified.
func Detect(rectified gocv.Mat, t *template.Template, p Params) (*Result, error) {
	if rectified.Empty() {
		return nil, fmt.Errorf("detect: empty image")
	}
	gray := grayscale(rectified, p.Normalize)
	defer gray.Close()

	var shifts map[string]int
	if p.AutoAlign {
		shifts = blockShifts(gray, t, p.Align)
	}

	strips := t.Strips()
	sampled := make([][]float64, len(strips))
	var warnings []diag.Warning
	for i, s := range strips {
		means, w := sampleStrip(gray, s, shifts[s.Block])
		sampled[i] = means
		warnings = append(warnings, w...)
	}

	res := DetectMeans(strips, sampled, p)
	res.Shifts = shifts
	res.Warnings = warnings
	return res, nil
}

// DetectMeans applies the threshold procedure to already sampled strips.
// means[i] holds the intensities of strips[i] in bubble order.
func DetectMeans(strips []template.Strip, means [][]float64, p Params) *Result {
	res := &Result{
		Fields:     make(map[string][]string, len(strips)),
		Thresholds: make(map[string]float64, len(strips)),
		Means:      make(map[string][]float64, len(strips)),
	}
	var all []float64
	for i, s := range strips {
		res.Means[s.Label] = means[i]
		all = append(all, present(means[i])...)
	}
	res.GlobalThreshold, res.GlobalGap = GlobalThreshold(all, p.Looseness, p.MinJump)

	presentStrips := make([][]float64, len(means))
	for i, m := range means {
		presentStrips[i] = present(m)
	}
	var stdGap bool
	res.GlobalStdThreshold, stdGap, _ = StdThreshold(presentStrips, p.MinJump)

	decide(res, strips, means, presentStrips, stdGap, p)
	return res
}

func decide(res *Result, strips []template.Strip, sampled, presentStrips [][]float64, stdGap bool, p Params) {
	for i, s := range strips {
		values := presentStrips[i]
		noOutliers := !stdGap || populationStd(values) < res.GlobalStdThreshold
		local, fromStrip := LocalThreshold(values, res.GlobalThreshold, noOutliers, p)
		res.Thresholds[s.Label] = local

		selected := []string{}
		// A global threshold without a gap selects nothing.
		canFill := fromStrip || res.GlobalGap
		for j, b := range s.Bubbles {
			if m := sampled[i][j]; canFill && !math.IsNaN(m) && m < local {
				selected = append(selected, b.Value)
			}
		}
		res.Fields[s.Label] = selected
		if len(selected) > 1 {
			res.MultiMarked = append(res.MultiMarked, s.Label)
		}
	}
}
