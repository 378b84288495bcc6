// Package pipeline runs sheets through alignment and detection on a
// background worker, one batch at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"

	"omr-reader/internal/alignment"
	"omr-reader/internal/config"
	"omr-reader/internal/decode"
	"omr-reader/internal/detection"
	"omr-reader/internal/template"
)

// generatedMarkerRatio is the generated marker width as a fraction of the
// processing width.
const generatedMarkerRatio = 0.10

// Engine holds everything that is shared read-only by the sheets of a
// batch: the normalized template, the prepared marker and the strategy.
type Engine struct {
	tmpl      *template.Template
	cfg       *config.Config
	alignOpts alignment.Options
	params    detection.Params

	marker      *alignment.MarkerReference
	strategy    alignment.Strategy
	decoders    *decode.Registry
	ownDecoders bool

	logger        *slog.Logger
	progress      ProgressSink
	keepRectified bool
}

type settings struct {
	logger        *slog.Logger
	cfg           *config.Config
	markerImage   image.Image
	markerPath    string
	templateDir   string
	decoders      *decode.Registry
	progress      ProgressSink
	strategy      alignment.Strategy
	keepRectified bool
}

// Option configures an Engine.
type Option func(*settings)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithConfig sets the run configuration. Defaults to config.DefaultConfig().
func WithConfig(c *config.Config) Option {
	return func(s *settings) { s.cfg = c }
}

// WithMarkerImage supplies the marker explicitly, overriding the template.
func WithMarkerImage(img image.Image) Option {
	return func(s *settings) { s.markerImage = img }
}

// WithMarkerFile loads the marker from path, overriding the template.
func WithMarkerFile(path string) Option {
	return func(s *settings) { s.markerPath = path }
}

// WithTemplateDir sets the directory the template's marker path is
// resolved against.
func WithTemplateDir(dir string) Option {
	return func(s *settings) { s.templateDir = dir }
}

// WithDecoders supplies the decoders for externally decoded fields. The
// engine does not close a registry it did not create.
func WithDecoders(r *decode.Registry) Option {
	return func(s *settings) { s.decoders = r }
}

// WithProgress sets the progress sink.
func WithProgress(p ProgressSink) Option {
	return func(s *settings) { s.progress = p }
}

// WithStrategy replaces the alignment strategy chosen from the marker.
func WithStrategy(st alignment.Strategy) Option {
	return func(s *settings) { s.strategy = st }
}

// WithRectified keeps a copy of each rectified sheet in its result.
func WithRectified(keep bool) Option {
	return func(s *settings) { s.keepRectified = keep }
}

// New normalizes the template document and prepares the batch-wide state.
// A template error is returned as *template.TemplateFormatError.
func New(doc []byte, opts ...Option) (*Engine, error) {
	tmpl, err := template.Load(doc)
	if err != nil {
		return nil, err
	}
	return NewWithTemplate(tmpl, opts...)
}

// NewWithTemplate builds an engine around an already normalized template.
func NewWithTemplate(tmpl *template.Template, opts ...Option) (*Engine, error) {
	s := settings{}
	for _, o := range opts {
		o(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg == nil {
		s.cfg = config.DefaultConfig()
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	e := &Engine{
		tmpl:          tmpl,
		cfg:           s.cfg,
		alignOpts:     s.cfg.AlignmentOptions(tmpl.Marker),
		params:        s.cfg.ThresholdParams(),
		logger:        s.logger,
		progress:      s.progress,
		keepRectified: s.keepRectified,
	}
	e.alignOpts.Logger = s.logger

	if s.strategy != nil {
		e.strategy = s.strategy
	} else {
		marker, err := e.prepareMarker(s)
		if err != nil {
			return nil, err
		}
		e.marker = marker
		e.strategy = alignment.SelectStrategy(marker, e.alignOpts)
		if marker != nil {
			size := marker.Size()
			e.logger.Debug("marker prepared",
				slog.Int("width", size.X), slog.Int("height", size.Y),
				slog.Int("processing_width", e.alignOpts.ProcessingWidth))
		}
	}

	if s.decoders != nil {
		e.decoders = s.decoders
	} else if err := e.buildDecoders(); err != nil {
		e.Close()
		return nil, err
	}

	e.logger.Info("engine ready",
		slog.Int("fields", len(tmpl.FieldLabels())),
		slog.Int("bubbles", len(tmpl.Bubbles)),
		slog.String("strategy", e.strategy.Name()))
	return e, nil
}

// prepareMarker resolves the marker from, in order, an explicit image, an
// explicit file, or the template's CropOnMarkers path. A template marker
// file that does not exist is replaced by a generated ring marker.
func (e *Engine) prepareMarker(s settings) (*alignment.MarkerReference, error) {
	switch {
	case s.markerImage != nil:
		return alignment.MarkerFromImage(s.markerImage, e.alignOpts)
	case s.markerPath != "":
		return alignment.LoadMarker(s.markerPath, e.alignOpts)
	case e.tmpl.Marker == nil:
		return nil, nil
	}

	dir := e.tmpl.SourceDir
	if s.templateDir != "" {
		dir = s.templateDir
	}
	path := e.tmpl.Marker.Path(dir)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return alignment.LoadMarker(path, e.alignOpts)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("marker: %w", err)
		}
	}

	// Markers are matched on the sheet brought to ProcessingWidth.
	size := int(math.Round(float64(e.alignOpts.ProcessingWidth) * generatedMarkerRatio))
	e.logger.Warn("marker file not found, using generated marker",
		slog.String("path", path), slog.Int("size", size))

	generated := alignment.GenerateMarker(size)
	defer generated.Close()
	opts := e.alignOpts
	opts.MarkerWidthRatio = 0
	return alignment.PrepareMarker(generated, opts)
}

// buildDecoders creates decoders only for the kinds the template uses.
func (e *Engine) buildDecoders() error {
	kinds := make(map[template.DecodeKind]bool)
	for _, f := range e.tmpl.Decoded {
		kinds[f.Kind] = true
	}
	e.decoders = decode.NewRegistry()
	e.ownDecoders = true

	if kinds[template.DecodeQR] && e.cfg.Decode.QR {
		e.decoders.Register(template.DecodeQR, decode.NewQRDecoder())
	}
	if kinds[template.DecodeText] && e.cfg.Decode.Text {
		d, err := decode.NewTextDecoder(e.cfg.Decode.TextLanguage, e.cfg.Decode.TextWhitelist)
		if err != nil {
			return fmt.Errorf("text decoder: %w", err)
		}
		e.decoders.Register(template.DecodeText, d)
	}
	return nil
}

// Template returns the normalized template.
func (e *Engine) Template() *template.Template {
	return e.tmpl
}

// Strategy returns the alignment strategy used for every sheet.
func (e *Engine) Strategy() alignment.Strategy {
	return e.strategy
}

// Process submits all sheets to a new batch and waits for their results,
// which are returned in submission order.
func (e *Engine) Process(ctx context.Context, sheets []Sheet) []SheetResult {
	b := e.Start(ctx)
	for _, s := range sheets {
		b.Submit(s)
	}
	return b.Wait()
}

// Close releases the marker and any decoders the engine created. It must not
// be called while a batch is running.
func (e *Engine) Close() error {
	var errs []error
	if e.marker != nil {
		errs = append(errs, e.marker.Close())
		e.marker = nil
	}
	if e.ownDecoders && e.decoders != nil {
		errs = append(errs, e.decoders.Close())
		e.decoders = nil
	}
	return errors.Join(errs...)
}
