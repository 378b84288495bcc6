package alignment

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"

	"omr-reader/internal/diag"
	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

// MarkerStrategy locates four corner markers by multi-scale template
// matching, one marker per quadrant. The sheet is matched at
// Opts.ProcessingWidth and the marker centres are mapped back onto the
// source image, so the prepared marker must be sized for that width.
type MarkerStrategy struct {
	Marker *MarkerReference
	Opts   Options
}

// quadrantMatch is the best match found in one quadrant.
type quadrantMatch struct {
	score float64
	loc   image.Point // Top-left of the match, full-image coordinates
	scale float64
	size  image.Point // Scaled marker size
}

// Name implements Strategy.
func (s *MarkerStrategy) Name() string { return "marker" }

// Align implements Strategy.
func (s *MarkerStrategy) Align(src gocv.Mat, page geometry.Size) (*Result, error) {
	if src.Empty() {
		return nil, fmt.Errorf("marker: empty input image")
	}
	if s.Marker == nil || s.Marker.Mat().Empty() {
		return nil, fmt.Errorf("%w: no marker reference", ErrMarkerNotFound)
	}

	gray := toGray(src)
	defer gray.Close()
	factor := s.Opts.processingScale(gray.Cols())
	if factor != 1 {
		resized := resizeBy(gray, factor)
		gray.Close()
		gray = resized
		factor = float64(gray.Cols()) / float64(src.Cols())
	}
	prepared := sharpen(gray, s.Opts.ErodeSubtract)
	defer prepared.Close()

	matches, err := s.matchQuadrants(prepared)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, 4)
	scales := make([]float64, 4)
	centres := make([]geometry.Point2D, 4)
	for q, m := range matches {
		scores[q] = m.score
		scales[q] = m.scale
		centres[q] = geometry.Point2D{
			X: float64(m.loc.X) + float64(m.size.X)/2,
			Y: float64(m.loc.Y) + float64(m.size.Y)/2,
		}.Scale(1 / factor)
		if m.score < s.Opts.MinMatchScore {
			return nil, fmt.Errorf("%w: quadrant %d best score %.3f below %.3f",
				ErrMarkerNotFound, q+1, m.score, s.Opts.MinMatchScore)
		}
	}

	var warnings []diag.Warning
	spread := slices.Max(scores) - slices.Min(scores)
	if spread > s.Opts.MaxMatchVariation {
		warnings = append(warnings, diag.Warnf(diag.LowConfidenceAlignment,
			"marker scores %.3f vary by %.3f (max %.3f)", scores, spread, s.Opts.MaxMatchVariation))
	}

	corners, err := geometry.OrderCorners(centres)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarkerNotFound, err)
	}

	s.Opts.logger().Debug("markers matched",
		slog.Float64("processing_scale", factor),
		slog.Any("scores", scores),
		slog.Any("scales", scales),
		slog.Any("corners", corners))

	res, err := rectify(src, corners, page, s.Name())
	if err != nil {
		return nil, err
	}
	res.Scores = scores
	res.Scales = scales
	res.Warnings = warnings
	return res, nil
}

// processingScale is the factor bringing a sheet of width w to
// ProcessingWidth, or 1 when no processing width is set.
func (o Options) processingScale(w int) float64 {
	if o.ProcessingWidth <= 0 || w <= 0 || w == o.ProcessingWidth {
		return 1
	}
	return float64(o.ProcessingWidth) / float64(w)
}

// resizeBy scales src by factor. The caller owns the result.
func resizeBy(src gocv.Mat, factor float64) gocv.Mat {
	size := image.Pt(
		max(int(math.Round(float64(src.Cols())*factor)), 1),
		max(int(math.Round(float64(src.Rows())*factor)), 1))
	interp := gocv.InterpolationLinear
	if factor < 1 {
		interp = gocv.InterpolationArea
	}
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, size, 0, 0, interp)
	return dst
}

// quadrants splits a w x h image at w/2 and h/3.
func quadrants(w, h int) [4]image.Rectangle {
	midW, midH := w/2, h/3
	return [4]image.Rectangle{
		image.Rect(0, 0, midW, midH),
		image.Rect(midW, 0, w, midH),
		image.Rect(0, midH, midW, h),
		image.Rect(midW, midH, w, h),
	}
}

// Scales returns the marker scales to try, from RescaleMax down to
// RescaleMin inclusive, as fractions.
func (o Options) Scales() []float64 {
	lo, hi := o.RescaleMin, o.RescaleMax
	if hi < lo {
		lo, hi = hi, lo
	}
	steps := max(o.RescaleSteps, 1)
	step := math.Max((hi-lo)/float64(steps), 1)

	var out []float64
	for p := hi; p >= lo-1e-9; p -= step {
		if p > 0 {
			out = append(out, p/100)
		}
	}
	return out
}

func (s *MarkerStrategy) matchQuadrants(prepared gocv.Mat) ([4]quadrantMatch, error) {
	var best [4]quadrantMatch
	for q := range best {
		best[q].score = math.Inf(-1)
	}

	marker := s.Marker.Mat()
	size := s.Marker.Size()
	quads := quadrants(prepared.Cols(), prepared.Rows())

	for _, scale := range s.Opts.Scales() {
		mw := int(float64(size.X) * scale)
		mh := int(float64(size.Y) * scale)
		if mw < 3 || mh < 3 {
			continue
		}
		scaled := gocv.NewMat()
		gocv.Resize(marker, &scaled, image.Pt(mw, mh), 0, 0, gocv.InterpolationLinear)

		for q, rect := range quads {
			if rect.Dx() < mw || rect.Dy() < mh {
				continue
			}
			score, loc := matchIn(prepared, rect, scaled)
			if score > best[q].score {
				best[q] = quadrantMatch{
					score: score,
					loc:   loc.Add(rect.Min),
					scale: scale,
					size:  image.Pt(mw, mh),
				}
			}
		}
		scaled.Close()
	}

	for q, m := range best {
		if math.IsInf(m.score, -1) {
			return best, fmt.Errorf("%w: marker does not fit quadrant %d at any scale", ErrMarkerNotFound, q+1)
		}
	}
	return best, nil
}

// matchIn runs normalized cross-correlation of templ over one region of img
// and returns the peak score and its location relative to the region.
func matchIn(img gocv.Mat, rect image.Rectangle, templ gocv.Mat) (float64, image.Point) {
	region := img.Region(rect)
	defer region.Close()

	res := gocv.NewMat()
	defer res.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(region, templ, &res, gocv.TmCcoeffNormed, mask)
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(res)
	score := float64(maxVal)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0
	}
	return score, maxLoc
}
