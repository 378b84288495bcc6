package alignment

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

// white fills pixels that map from outside the source image.
var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// homographyMat converts a homography to a 3x3 CV64F Mat.
func homographyMat(h geometry.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r*3+c])
		}
	}
	return m
}

// destinationSize picks the rectified size: the template page when declared,
// otherwise the longest measured edges of the source quad.
func destinationSize(corners geometry.Quad, page geometry.Size) (int, int, error) {
	size := page
	if size.IsZero() {
		size = corners.MeasuredSize()
	}
	w, h := int(math.Round(size.Width)), int(math.Round(size.Height))
	if w < 2 || h < 2 {
		return 0, 0, fmt.Errorf("%w: rectified size %dx%d", geometry.ErrDegenerateQuad, w, h)
	}
	return w, h, nil
}

// WarpToRect rectifies the quad spanned by corners in src onto a w x h
// image. Returns the warped Mat (owned by the caller) and the homography.
func WarpToRect(src gocv.Mat, corners geometry.Quad, w, h int) (gocv.Mat, geometry.Homography, error) {
	hom, err := geometry.PerspectiveTransform(corners, geometry.RectQuad(float64(w), float64(h)))
	if err != nil {
		return gocv.NewMat(), geometry.Homography{}, err
	}

	m := homographyMat(hom)
	defer m.Close()

	dst := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(src, &dst, m, image.Point{X: w, Y: h},
		gocv.InterpolationLinear, gocv.BorderConstant, white)
	return dst, hom, nil
}

// rectify builds an alignment Result from four source corners.
func rectify(src gocv.Mat, corners geometry.Quad, page geometry.Size, strategy string) (*Result, error) {
	w, h, err := destinationSize(corners, page)
	if err != nil {
		return nil, err
	}
	warped, hom, err := WarpToRect(src, corners, w, h)
	if err != nil {
		return nil, err
	}
	return &Result{
		Mat:        warped,
		Corners:    corners,
		Homography: hom,
		Strategy:   strategy,
	}, nil
}
