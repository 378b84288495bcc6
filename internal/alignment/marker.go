package alignment

import (
	"fmt"
	"image"
	"image/color"
	"math"

	sheetimage "omr-reader/internal/image"

	"gocv.io/x/gocv"
)

// Radius ratios of the generated concentric marker rings.
var markerRings = []struct {
	ratio float64
	black bool
}{
	{1.0, true},
	{0.7, false},
	{0.4, true},
}

const erodeIterations = 5

// MarkerReference is a preprocessed fiducial marker. It is built once per
// batch and only read afterwards.
type MarkerReference struct {
	mat gocv.Mat
}

// Mat returns the prepared single-channel marker. Callers must not modify
// or close it.
func (m *MarkerReference) Mat() gocv.Mat {
	return m.mat
}

// Size returns the prepared marker size.
func (m *MarkerReference) Size() image.Point {
	return image.Point{X: m.mat.Cols(), Y: m.mat.Rows()}
}

// Close releases the marker buffer.
func (m *MarkerReference) Close() error {
	if m == nil {
		return nil
	}
	return m.mat.Close()
}

// LoadMarker reads a marker image from disk and prepares it.
func LoadMarker(path string, opts Options) (*MarkerReference, error) {
	raster, err := sheetimage.Load(path, sheetimage.LoadOptions{})
	if err != nil {
		return nil, fmt.Errorf("load marker: %w", err)
	}
	return MarkerFromImage(raster.Image, opts)
}

// MarkerFromImage prepares a marker from a decoded image.
func MarkerFromImage(img image.Image, opts Options) (*MarkerReference, error) {
	mat, err := ImageToMat(img)
	if err != nil {
		return nil, fmt.Errorf("marker: %w", err)
	}
	defer mat.Close()
	return PrepareMarker(mat, opts)
}

// PrepareMarker converts a marker to grayscale, optionally rescales it to
// ProcessingWidth/MarkerWidthRatio, blurs it, stretches it to 0..255 and
// optionally sharpens it with erode-subtract. src is not modified.
func PrepareMarker(src gocv.Mat, opts Options) (*MarkerReference, error) {
	if src.Empty() {
		return nil, fmt.Errorf("marker: empty image")
	}

	gray := toGray(src)
	defer gray.Close()

	if opts.MarkerWidthRatio > 0 && opts.ProcessingWidth > 0 {
		targetW := int(math.Round(float64(opts.ProcessingWidth) / opts.MarkerWidthRatio))
		targetH := int(math.Round(float64(gray.Rows()) * float64(targetW) / float64(gray.Cols())))
		if targetW < 3 || targetH < 3 {
			return nil, fmt.Errorf("marker: rescaled size %dx%d too small", targetW, targetH)
		}
		resized := gocv.NewMat()
		gocv.Resize(gray, &resized, image.Pt(targetW, targetH), 0, 0, gocv.InterpolationArea)
		gray.Close()
		gray = resized
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{5, 5}, 0, 0, gocv.BorderDefault)

	out := gocv.NewMat()
	gocv.Normalize(blurred, &out, 0, 255, gocv.NormMinMax)

	if opts.ErodeSubtract {
		sharp := erodeSubtract(out)
		out.Close()
		out = sharp
	}
	return &MarkerReference{mat: out}, nil
}

// GenerateMarker draws a size x size concentric-ring marker on white.
// The caller owns the returned Mat.
func GenerateMarker(size int) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), size, size, gocv.MatTypeCV8UC1)
	drawMarker(&m, image.Pt(size/2, size/2), float64(size)/2)
	return m
}

// drawMarker paints the concentric rings centred at c with outer radius r.
func drawMarker(m *gocv.Mat, c image.Point, r float64) {
	for _, ring := range markerRings {
		col := color.RGBA{R: 255, G: 255, B: 255, A: 255}
		if ring.black {
			col = color.RGBA{A: 255}
		}
		gocv.Circle(m, c, int(math.Round(r*ring.ratio)), col, -1)
	}
}

// erodeSubtract returns src minus its erosion, which keeps the dark/light
// boundaries and suppresses flat regions. The caller owns the result.
func erodeSubtract(src gocv.Mat) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{5, 5})
	defer kernel.Close()

	eroded := src.Clone()
	defer eroded.Close()
	for i := 0; i < erodeIterations; i++ {
		gocv.Erode(eroded, &eroded, kernel)
	}

	diff := gocv.NewMat()
	gocv.Subtract(src, eroded, &diff)
	return diff
}

// sharpen applies the candidate-side preprocessing matching PrepareMarker:
// optional erode-subtract, then a min-max stretch.
func sharpen(gray gocv.Mat, erode bool) gocv.Mat {
	src := gray
	if erode {
		src = erodeSubtract(gray)
		defer src.Close()
	}
	out := gocv.NewMat()
	gocv.Normalize(src, &out, 0, 255, gocv.NormMinMax)
	return out
}
