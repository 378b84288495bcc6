package geometry

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Quad holds four corners ordered top-left, top-right, bottom-right, bottom-left.
type Quad [4]Point2D

// Corner indices into a Quad.
const (
	TopLeft = iota
	TopRight
	BottomRight
	BottomLeft
)

// RectQuad returns the corners of a w x h rectangle anchored at the origin.
// The far edges sit at w-1 and h-1 so they address the last pixel column/row.
func RectQuad(w, h float64) Quad {
	return Quad{
		{X: 0, Y: 0},
		{X: w - 1, Y: 0},
		{X: w - 1, Y: h - 1},
		{X: 0, Y: h - 1},
	}
}

// Points returns the corners as a slice.
func (q Quad) Points() []Point2D {
	return []Point2D{q[0], q[1], q[2], q[3]}
}

// MeasuredSize returns the longer of the two horizontal edges and the longer
// of the two vertical edges.
func (q Quad) MeasuredSize() Size {
	top := q[TopLeft].Distance(q[TopRight])
	bottom := q[BottomLeft].Distance(q[BottomRight])
	left := q[TopLeft].Distance(q[BottomLeft])
	right := q[TopRight].Distance(q[BottomRight])
	return Size{
		Width:  math.Floor(math.Max(top, bottom)),
		Height: math.Floor(math.Max(left, right)),
	}
}

// Area returns the polygon area of the quad (shoelace formula).
func (q Quad) Area() float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		sum += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return math.Abs(sum) / 2
}

// OrderCorners orders four points clockwise starting at the top-left.
// Each point is classified by comparing it against the centroid of all four.
// When two points land in the same class (strongly rotated input) the
// sum/difference rule is used instead.
func OrderCorners(points []Point2D) (Quad, error) {
	if len(points) != 4 {
		return Quad{}, fmt.Errorf("need 4 corner points, got %d", len(points))
	}

	c := Centroid(points)
	var q Quad
	var seen [4]bool
	ok := true
	for _, p := range points {
		var idx int
		switch {
		case p.X < c.X && p.Y < c.Y:
			idx = TopLeft
		case p.X >= c.X && p.Y < c.Y:
			idx = TopRight
		case p.X >= c.X && p.Y >= c.Y:
			idx = BottomRight
		default:
			idx = BottomLeft
		}
		if seen[idx] {
			ok = false
			break
		}
		seen[idx] = true
		q[idx] = p
	}
	if ok {
		return q, nil
	}
	return orderBySumDiff(points), nil
}

// orderBySumDiff picks TL as min(x+y), BR as max(x+y), TR as max(x-y) and
// BL as min(x-y).
func orderBySumDiff(points []Point2D) Quad {
	sorted := make([]Point2D, len(points))
	copy(sorted, points)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].X+sorted[i].Y < sorted[j].X+sorted[j].Y
	})
	tl, br := sorted[0], sorted[3]
	mid := []Point2D{sorted[1], sorted[2]}
	sort.Slice(mid, func(i, j int) bool {
		return mid[i].X-mid[i].Y > mid[j].X-mid[j].Y
	})
	return Quad{tl, mid[0], br, mid[1]}
}

// Homography is a 3x3 perspective transform in row-major order.
type Homography [9]float64

// ErrDegenerateQuad is returned when four correspondences do not define a
// perspective transform.
var ErrDegenerateQuad = errors.New("degenerate quadrilateral")

// PerspectiveTransform computes the homography mapping src corners onto dst
// corners. h[8] is fixed to 1 and the remaining eight unknowns are solved
// from the 8x8 linear system given by the correspondences.
func PerspectiveTransform(src, dst Quad) (Homography, error) {
	if src.Area() < 1e-9 || dst.Area() < 1e-9 {
		return Homography{}, ErrDegenerateQuad
	}

	A := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		// x' = (h0*x + h1*y + h2) / (h6*x + h7*y + 1)
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		b.SetVec(i*2, xp)

		// y' = (h3*x + h4*y + h5) / (h6*x + h7*y + 1)
		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		b.SetVec(i*2+1, yp)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateQuad, err)
		}
		// Ill-conditioned but solved; large page coordinates commonly land here.
	}

	var h Homography
	for i := 0; i < 8; i++ {
		h[i] = params.AtVec(i)
		if math.IsNaN(h[i]) || math.IsInf(h[i], 0) {
			return Homography{}, ErrDegenerateQuad
		}
	}
	h[8] = 1
	return h, nil
}

// Apply maps a point through the homography.
func (h Homography) Apply(p Point2D) Point2D {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return Point2D{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point2D{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// Inverse returns the inverse homography, if it exists.
func (h Homography) Inverse() (Homography, bool) {
	m := mat.NewDense(3, 3, h[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, false
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	if out[8] != 0 {
		s := out[8]
		for i := range out {
			out[i] /= s
		}
	}
	return out, true
}
