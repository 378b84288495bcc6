package detection

import (
	"image"
	"math"

	"omr-reader/internal/template"

	"gocv.io/x/gocv"
)

// AlignParams tunes the horizontal field block shift search.
type AlignParams struct {
	MatchCol  int // Width in pixels of the column compared at each block edge
	MaxSteps  int // Search steps before giving up
	Stride    int // Pixels moved per step
	Thickness int // Offset of the edge columns outside the block
}

// DefaultAlignParams returns default shift search parameters.
func DefaultAlignParams() AlignParams {
	return AlignParams{MatchCol: 5, MaxSteps: 20, Stride: 1, Thickness: 3}
}

// edgeLevel is the column mean above which an edge column is considered to
// cut through printed bubbles.
const edgeLevel = 100

// columnMap returns a binary map of the tall dark structures in gray, white
// where printed bubble columns are. The caller owns the result.
func columnMap(gray gocv.Mat) gocv.Mat {
	m := gocv.NewMat()
	gocv.Threshold(gray, &m, 220, 220, gocv.ThresholdTrunc)
	gocv.Normalize(m, &m, 0, 255, gocv.NormMinMax)

	vertical := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 10))
	defer vertical.Close()
	for i := 0; i < 3; i++ {
		gocv.MorphologyEx(m, &m, gocv.MorphOpen, vertical)
	}

	gocv.Threshold(m, &m, 200, 200, gocv.ThresholdTrunc)
	gocv.Normalize(m, &m, 0, 255, gocv.NormMinMax)
	gocv.BitwiseNot(m, &m)
	gocv.Threshold(m, &m, 60, 255, gocv.ThresholdBinary)

	square := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(5, 5))
	defer square.Close()
	for i := 0; i < 2; i++ {
		gocv.Erode(m, &m, square)
	}
	return m
}

// blockShifts finds a horizontal shift for every field block of t so that
// neither block edge cuts through a printed bubble column.
func blockShifts(gray gocv.Mat, t *template.Template, p AlignParams) map[string]int {
	cols := columnMap(gray)
	defer cols.Close()

	shifts := make(map[string]int, len(t.Blocks))
	for name, box := range blockBounds(t) {
		shifts[name] = searchShift(cols, box, p)
	}
	return shifts
}

func searchShift(cols gocv.Mat, box image.Rectangle, p AlignParams) int {
	shift := 0
	for step := 0; step < p.MaxSteps; step++ {
		leftX := box.Min.X + shift - p.Thickness
		rightX := box.Max.X + shift + p.Thickness - p.MatchCol
		left := columnMean(cols, image.Rect(leftX, box.Min.Y, leftX+p.MatchCol, box.Max.Y)) > edgeLevel
		right := columnMean(cols, image.Rect(rightX, box.Min.Y, rightX+p.MatchCol, box.Max.Y)) > edgeLevel

		switch {
		case left == right:
			return shift
		case left:
			shift -= p.Stride
		default:
			shift += p.Stride
		}
	}
	return shift
}

func columnMean(m gocv.Mat, r image.Rectangle) float64 {
	r = r.Intersect(image.Rect(0, 0, m.Cols(), m.Rows()))
	if r.Empty() {
		return 0
	}
	region := m.Region(r)
	defer region.Close()
	return region.Mean().Val1
}

// blockBounds returns the pixel extent of each block's bubbles.
func blockBounds(t *template.Template) map[string]image.Rectangle {
	bounds := make(map[string]image.Rectangle)
	for _, b := range t.Bubbles {
		r := image.Rect(
			int(math.Round(b.X)), int(math.Round(b.Y)),
			int(math.Round(b.X+b.Width)), int(math.Round(b.Y+b.Height)))
		if prev, ok := bounds[b.Block]; ok {
			r = prev.Union(r)
		}
		bounds[b.Block] = r
	}
	return bounds
}
