package alignment

import (
	"errors"
	"fmt"
	"log/slog"

	"omr-reader/internal/diag"
	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

var (
	// ErrBoundaryNotFound means no four-sided sheet outline was found.
	ErrBoundaryNotFound = errors.New("sheet boundary not found")
	// ErrMarkerNotFound means at least one corner marker matched below the
	// confidence floor.
	ErrMarkerNotFound = errors.New("corner marker not found")
)

// Options configures both alignment strategies.
type Options struct {
	// Marker matching
	RescaleMin        float64 // Smallest marker scale tried, percent
	RescaleMax        float64 // Largest marker scale tried, percent
	RescaleSteps      int     // Number of scale steps between max and min
	MinMatchScore     float64 // Per-quadrant confidence floor
	MaxMatchVariation float64 // Allowed spread of quadrant scores before warning
	ErodeSubtract     bool    // Sharpen marker and sheet by subtracting an eroded copy

	// Marker preparation
	ProcessingWidth  int     // Sheet width markers are matched at; 0 matches at source size
	MarkerWidthRatio float64 // Sheet width / marker width, 0 keeps marker size

	// Contour detection
	CannyLow     float32
	CannyHigh    float32
	MinAreaRatio float64 // Minimum boundary area as a fraction of the image

	Logger *slog.Logger
}

// DefaultOptions returns default alignment options.
func DefaultOptions() Options {
	return Options{
		RescaleMin:        60,
		RescaleMax:        130,
		RescaleSteps:      14,
		MinMatchScore:     0.3,
		MaxMatchVariation: 0.41,
		ErodeSubtract:     true,
		ProcessingWidth:   1846,
		CannyLow:          50,
		CannyHigh:         150,
		MinAreaRatio:      0.10,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Result is a rectified sheet. Mat is owned by the caller and must be
// released with Close.
type Result struct {
	Mat        gocv.Mat
	Corners    geometry.Quad // Source corners, ordered TL, TR, BR, BL
	Homography geometry.Homography
	Strategy   string
	Scores     []float64 // Best match score per quadrant (marker strategy only)
	Scales     []float64 // Best marker scale per quadrant (marker strategy only)
	Warnings   []diag.Warning
}

// Close releases the rectified image.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	return r.Mat.Close()
}

// Strategy locates the sheet in src and rectifies it. page is the template
// page size; a zero size means "use the measured size".
type Strategy interface {
	Name() string
	Align(src gocv.Mat, page geometry.Size) (*Result, error)
}

// Chain runs Primary and falls back to Fallback when the primary cannot
// find its markers.
type Chain struct {
	Primary  Strategy
	Fallback Strategy
	Logger   *slog.Logger
}

// Name returns the chained strategy names.
func (c *Chain) Name() string {
	return c.Primary.Name() + "+" + c.Fallback.Name()
}

// Align implements Strategy.
func (c *Chain) Align(src gocv.Mat, page geometry.Size) (*Result, error) {
	res, err := c.Primary.Align(src, page)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrMarkerNotFound) {
		return nil, err
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("marker alignment failed, trying fallback",
		slog.String("fallback", c.Fallback.Name()), slog.Any("err", err))

	res, ferr := c.Fallback.Align(src, page)
	if ferr != nil {
		return nil, fmt.Errorf("%s: %w (after %s: %v)", c.Fallback.Name(), ferr, c.Primary.Name(), err)
	}
	res.Warnings = append(res.Warnings, diag.Warnf(diag.MarkerFallback, "%v", err))
	return res, nil
}

// SelectStrategy picks the strategy for a batch: marker matching with a
// contour fallback when a marker is available, contour detection otherwise.
func SelectStrategy(marker *MarkerReference, opts Options) Strategy {
	contour := &ContourStrategy{Opts: opts}
	if marker == nil {
		return contour
	}
	return &Chain{
		Primary:  &MarkerStrategy{Marker: marker, Opts: opts},
		Fallback: contour,
		Logger:   opts.Logger,
	}
}
