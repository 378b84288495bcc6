package alignment

import (
	"fmt"
	"image"
	"log/slog"

	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

// ContourStrategy finds the sheet as the largest four-sided external contour.
type ContourStrategy struct {
	Opts Options
}

// Name implements Strategy.
func (s *ContourStrategy) Name() string { return "contour" }

// Align implements Strategy.
func (s *ContourStrategy) Align(src gocv.Mat, page geometry.Size) (*Result, error) {
	if src.Empty() {
		return nil, fmt.Errorf("contour: empty input image")
	}
	corners, area, err := DetectSheetCorners(src, s.Opts)
	if err != nil {
		return nil, err
	}
	s.Opts.logger().Debug("sheet boundary found",
		slog.Float64("area_ratio", area),
		slog.Any("corners", corners))

	return rectify(src, corners, page, s.Name())
}

// DetectSheetCorners returns the ordered corners of the sheet boundary and
// its area as a fraction of the image.
// Uses Canny edge detection, morphological closing and contour analysis.
func DetectSheetCorners(img gocv.Mat, opts Options) (geometry.Quad, float64, error) {
	gray := toGray(img)
	defer gray.Close()

	// Blur to reduce noise
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{5, 5}, 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, opts.CannyLow, opts.CannyHigh)

	// Close to connect broken edge segments
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{5, 5})
	defer kernel.Close()
	gocv.MorphologyEx(edges, &edges, gocv.MorphClose, kernel)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	imgArea := float64(img.Cols() * img.Rows())
	var best []geometry.Point2D
	var bestArea float64

	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		epsilon := 0.02 * gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, epsilon, true)
		if approx.Size() == 4 {
			area := gocv.ContourArea(approx)
			if area > bestArea {
				bestArea = area
				best = best[:0]
				for j := 0; j < approx.Size(); j++ {
					pt := approx.At(j)
					best = append(best, geometry.Point2D{X: float64(pt.X), Y: float64(pt.Y)})
				}
			}
		}
		approx.Close()
	}

	if best == nil || bestArea <= imgArea*opts.MinAreaRatio {
		return geometry.Quad{}, 0, fmt.Errorf("%w: no quadrilateral above %.0f%% of the image",
			ErrBoundaryNotFound, opts.MinAreaRatio*100)
	}

	corners, err := geometry.OrderCorners(best)
	if err != nil {
		return geometry.Quad{}, 0, fmt.Errorf("%w: %v", ErrBoundaryNotFound, err)
	}
	return corners, bestArea / imgArea, nil
}
