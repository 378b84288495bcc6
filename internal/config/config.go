// Package config loads the run configuration for the OMR engine.
package config

import (
	"fmt"
	"os"

	"omr-reader/internal/alignment"
	"omr-reader/internal/detection"
	sheetimage "omr-reader/internal/image"
	"omr-reader/internal/template"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	Processing ProcessingConfig `yaml:"processing"`
	Alignment  AlignmentConfig  `yaml:"alignment"`
	Threshold  ThresholdConfig  `yaml:"threshold"`
	Decode     DecodeConfig     `yaml:"decode"`
}

// ProcessingConfig controls sheet loading.
type ProcessingConfig struct {
	MaxWidth   int  `yaml:"max_width"`   // downscale wider sheets; 0 disables
	AutoOrient bool `yaml:"auto_orient"` // apply EXIF orientation
}

// AlignmentConfig tunes marker matching and contour detection.
type AlignmentConfig struct {
	ProcessingWidth   int        `yaml:"processing_width"`
	RescaleRange      [2]float64 `yaml:"marker_rescale_range"` // percent, [min, max]
	RescaleSteps      int        `yaml:"marker_rescale_steps"`
	MinMatchScore     float64    `yaml:"min_matching_threshold"`
	MaxMatchVariation float64    `yaml:"max_matching_variation"`
	ErodeSubtract     bool       `yaml:"apply_erode_subtract"`
	CannyLow          float32    `yaml:"canny_low"`
	CannyHigh         float32    `yaml:"canny_high"`
	MinAreaRatio      float64    `yaml:"min_area_ratio"`
}

// ThresholdConfig tunes the fill decision.
type ThresholdConfig struct {
	Looseness        int     `yaml:"looseness"`
	MinJump          float64 `yaml:"min_jump"`
	ConfidentSurplus float64 `yaml:"confident_surplus"`
	Normalize        bool    `yaml:"normalize"`
	AutoAlign        bool    `yaml:"auto_align"` // shift field blocks onto printed bubble columns
	AlignMatchCol    int     `yaml:"align_match_col"`
	AlignMaxSteps    int     `yaml:"align_max_steps"`
	AlignStride      int     `yaml:"align_stride"`
	AlignThickness   int     `yaml:"align_thickness"`
}

// DecodeConfig enables the external field decoders.
type DecodeConfig struct {
	QR            bool   `yaml:"qr"`
	Text          bool   `yaml:"text"`
	TextLanguage  string `yaml:"text_language"`
	TextWhitelist string `yaml:"text_whitelist"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	a := alignment.DefaultOptions()
	t := detection.DefaultParams()
	return &Config{
		Processing: ProcessingConfig{
			MaxWidth:   0,
			AutoOrient: true,
		},
		Alignment: AlignmentConfig{
			ProcessingWidth:   a.ProcessingWidth,
			RescaleRange:      [2]float64{a.RescaleMin, a.RescaleMax},
			RescaleSteps:      a.RescaleSteps,
			MinMatchScore:     a.MinMatchScore,
			MaxMatchVariation: a.MaxMatchVariation,
			ErodeSubtract:     a.ErodeSubtract,
			CannyLow:          a.CannyLow,
			CannyHigh:         a.CannyHigh,
			MinAreaRatio:      a.MinAreaRatio,
		},
		Threshold: ThresholdConfig{
			Looseness:        t.Looseness,
			MinJump:          t.MinJump,
			ConfidentSurplus: t.ConfidentSurplus,
			Normalize:        t.Normalize,
			AutoAlign:        t.AutoAlign,
			AlignMatchCol:    t.Align.MatchCol,
			AlignMaxSteps:    t.Align.MaxSteps,
			AlignStride:      t.Align.Stride,
			AlignThickness:   t.Align.Thickness,
		},
		Decode: DecodeConfig{
			QR:           true,
			Text:         false,
			TextLanguage: "eng",
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	if c.Processing.MaxWidth < 0 {
		return fmt.Errorf("processing.max_width must be >= 0")
	}

	a := c.Alignment
	if a.ProcessingWidth <= 0 {
		return fmt.Errorf("alignment.processing_width must be > 0")
	}
	if a.RescaleRange[0] <= 0 || a.RescaleRange[1] < a.RescaleRange[0] {
		return fmt.Errorf("alignment.marker_rescale_range must be 0 < min <= max, got %v", a.RescaleRange)
	}
	if a.RescaleSteps <= 0 {
		return fmt.Errorf("alignment.marker_rescale_steps must be > 0")
	}
	if a.MinMatchScore < 0 || a.MinMatchScore > 1 {
		return fmt.Errorf("alignment.min_matching_threshold must be within [0, 1]")
	}
	if a.MaxMatchVariation < 0 {
		return fmt.Errorf("alignment.max_matching_variation must be >= 0")
	}
	if a.CannyLow <= 0 || a.CannyHigh <= a.CannyLow {
		return fmt.Errorf("alignment.canny thresholds must satisfy 0 < low < high")
	}
	if a.MinAreaRatio <= 0 || a.MinAreaRatio >= 1 {
		return fmt.Errorf("alignment.min_area_ratio must be within (0, 1)")
	}

	t := c.Threshold
	if t.Looseness < 1 {
		return fmt.Errorf("threshold.looseness must be >= 1")
	}
	if t.MinJump <= 0 {
		return fmt.Errorf("threshold.min_jump must be > 0")
	}
	if t.ConfidentSurplus < 0 {
		return fmt.Errorf("threshold.confident_surplus must be >= 0")
	}
	if t.AutoAlign && (t.AlignMatchCol <= 0 || t.AlignMaxSteps <= 0 || t.AlignStride <= 0 || t.AlignThickness < 0) {
		return fmt.Errorf("threshold.align_* must be positive when auto_align is enabled")
	}

	if c.Decode.Text && c.Decode.TextLanguage == "" {
		return fmt.Errorf("decode.text_language is required when text decoding is enabled")
	}
	return nil
}

// LoadOptions returns the sheet loading options.
func (c *Config) LoadOptions() sheetimage.LoadOptions {
	return sheetimage.LoadOptions{
		AutoOrient: c.Processing.AutoOrient,
		MaxWidth:   c.Processing.MaxWidth,
	}
}

// AlignmentOptions returns the alignment options, with any marker options
// declared by the template taking precedence over the configuration.
func (c *Config) AlignmentOptions(marker *template.MarkerSpec) alignment.Options {
	a := c.Alignment
	opts := alignment.Options{
		RescaleMin:        a.RescaleRange[0],
		RescaleMax:        a.RescaleRange[1],
		RescaleSteps:      a.RescaleSteps,
		MinMatchScore:     a.MinMatchScore,
		MaxMatchVariation: a.MaxMatchVariation,
		ErodeSubtract:     a.ErodeSubtract,
		ProcessingWidth:   a.ProcessingWidth,
		CannyLow:          a.CannyLow,
		CannyHigh:         a.CannyHigh,
		MinAreaRatio:      a.MinAreaRatio,
	}
	if marker == nil {
		return opts
	}
	if marker.SheetToMarkerWidthRatio != nil {
		opts.MarkerWidthRatio = *marker.SheetToMarkerWidthRatio
	}
	if len(marker.RescaleRange) == 2 {
		opts.RescaleMin, opts.RescaleMax = marker.RescaleRange[0], marker.RescaleRange[1]
	}
	if marker.RescaleSteps != nil {
		opts.RescaleSteps = *marker.RescaleSteps
	}
	if marker.MinMatchingThreshold != nil {
		opts.MinMatchScore = *marker.MinMatchingThreshold
	}
	if marker.MaxMatchingVariation != nil {
		opts.MaxMatchVariation = *marker.MaxMatchingVariation
	}
	if marker.ApplyErodeSubtract != nil {
		opts.ErodeSubtract = *marker.ApplyErodeSubtract
	}
	return opts
}

// ThresholdParams returns the detection parameters.
func (c *Config) ThresholdParams() detection.Params {
	t := c.Threshold
	return detection.Params{
		Looseness:        t.Looseness,
		MinJump:          t.MinJump,
		ConfidentSurplus: t.ConfidentSurplus,
		Normalize:        t.Normalize,
		AutoAlign:        t.AutoAlign,
		Align: detection.AlignParams{
			MatchCol:  t.AlignMatchCol,
			MaxSteps:  t.AlignMaxSteps,
			Stride:    t.AlignStride,
			Thickness: t.AlignThickness,
		},
	}
}
