// Package detection decides which bubbles on a rectified sheet are filled.
package detection

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Params tunes the largest-gap threshold search.
type Params struct {
	Looseness        int     // Window half-width source for the global search
	MinJump          float64 // Smallest intensity jump treated as a real gap
	ConfidentSurplus float64 // Extra jump above MinJump for a confident local gap
	Normalize        bool    // Min-max stretch the rectified image before sampling

	// AutoAlign shifts each field block horizontally onto the printed
	// bubble columns before sampling.
	AutoAlign bool
	Align     AlignParams
}

// DefaultParams returns default threshold parameters.
func DefaultParams() Params {
	return Params{
		Looseness:        4,
		MinJump:          25,
		ConfidentSurplus: 5,
		Normalize:        true,
		Align:            DefaultAlignParams(),
	}
}

// GlobalThreshold finds the widest intensity jump across all bubble means.
// The window half-width is ceil((looseness+1)/2). found reports whether a
// jump above minJump exists; when it does not, the maximum observed value is
// returned and nothing should register as filled.
func GlobalThreshold(values []float64, looseness int, minJump float64) (threshold float64, found bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := sortedCopy(values)
	n := len(sorted)
	half := (looseness + 2) / 2

	maxJump := 0.0
	threshold = sorted[n-1]
	for i := half; i < n-half; i++ {
		jump := sorted[i+half] - sorted[i-half]
		if jump > maxJump {
			maxJump = jump
			threshold = sorted[i-half] + jump/2
		}
	}
	if maxJump <= minJump {
		return sorted[n-1], false
	}
	return threshold, true
}

// StdThreshold computes the population standard deviation of each strip and
// searches those values for a gap with looseness 1. Strips whose deviation
// falls below the result hold no outliers. Without a gap every strip is
// outlier free.
func StdThreshold(strips [][]float64, minJump float64) (threshold float64, found bool, stds []float64) {
	stds = make([]float64, len(strips))
	for i, s := range strips {
		stds[i] = populationStd(s)
	}
	threshold, found = GlobalThreshold(stds, 1, minJump)
	return threshold, found, stds
}

// LocalThreshold picks a threshold for one strip from the largest jump
// between immediate neighbours of its sorted values.
//
// A jump of at least MinJump+ConfidentSurplus is confident and its midpoint
// is used. A weaker jump falls back to global, unless the strip holds an
// outlier and the jump still exceeds MinJump. fromStrip reports whether the
// result came from the strip rather than global.
func LocalThreshold(strip []float64, global float64, noOutliers bool, p Params) (threshold float64, fromStrip bool) {
	if len(strip) < 2 {
		return global, false
	}
	sorted := sortedCopy(strip)

	maxJump := 0.0
	threshold = global
	for i := 0; i < len(sorted)-1; i++ {
		jump := sorted[i+1] - sorted[i]
		if jump > maxJump {
			maxJump = jump
			threshold = sorted[i] + jump/2
		}
	}

	switch {
	case maxJump >= p.MinJump+p.ConfidentSurplus:
		return threshold, true
	case !noOutliers && maxJump > p.MinJump:
		return threshold, true
	default:
		return global, false
	}
}

func populationStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	_, std := stat.PopMeanStdDev(values, nil)
	if math.IsNaN(std) {
		return 0
	}
	return std
}

func sortedCopy(values []float64) []float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted
}
