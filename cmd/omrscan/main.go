// Command omrscan reads filled answer sheets against a template and prints
// the selected values per field.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"omr-reader/internal/config"
	sheetimage "omr-reader/internal/image"
	"omr-reader/internal/pipeline"
	"omr-reader/internal/template"
	"omr-reader/internal/version"

	"github.com/disintegration/imaging"
)

func main() {
	templatePath := flag.String("template", "", "Path to template JSON")
	configPath := flag.String("config", "", "Path to YAML config (optional)")
	markerPath := flag.String("marker", "", "Marker image, overrides the template's CropOnMarkers path")
	outDir := flag.String("out", "", "Directory to save rectified and marked sheets to")
	asJSON := flag.Bool("json", false, "Print results as JSON lines")
	verbose := flag.Bool("v", false, "Verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *templatePath == "" || flag.NArg() == 0 {
		fmt.Println("Usage: omrscan -template <template.json> [-config omr.yaml] [-marker marker.png] [-out dir] <sheet|dir>...")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	tmpl, err := template.LoadFile(*templatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load template: %v\n", err)
		os.Exit(1)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithConfig(cfg),
		pipeline.WithRectified(*outDir != ""),
	}
	if *markerPath != "" {
		opts = append(opts, pipeline.WithMarkerFile(*markerPath))
	}
	engine, err := pipeline.NewWithTemplate(tmpl, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	paths, err := collectSheets(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output dir: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	batch := engine.Start(ctx)
	for _, p := range paths {
		batch.Submit(pipeline.Sheet{Path: p})
	}
	batch.Close()

	failed := 0
	for res := range batch.Results() {
		if !res.OK() {
			failed++
		}
		if *asJSON {
			printJSON(res)
		} else {
			printResult(os.Stdout, tmpl, res)
		}
		if *outDir != "" && res.Rectified != nil {
			saveImages(engine, &res, *outDir, logger)
		}
	}
	<-batch.Done()

	if !*asJSON {
		fmt.Printf("\n%d sheets, %d failed\n", len(paths), failed)
	}
	if failed > 0 {
		stop()
		engine.Close()
		os.Exit(2)
	}
}

// saveImages writes the rectified sheet and its marked overlay.
func saveImages(engine *pipeline.Engine, res *pipeline.SheetResult, dir string, logger *slog.Logger) {
	base := filepath.Join(dir, strings.TrimSuffix(res.Name, filepath.Ext(res.Name)))
	if err := imaging.Save(res.Rectified, base+"_rectified.png"); err != nil {
		logger.Warn("save rectified sheet", slog.String("sheet", res.Name), slog.Any("err", err))
	}
	overlay, err := engine.Overlay(res)
	if err != nil {
		logger.Warn("render overlay", slog.String("sheet", res.Name), slog.Any("err", err))
		return
	}
	if err := imaging.Save(overlay, base+"_marked.png"); err != nil {
		logger.Warn("save overlay", slog.String("sheet", res.Name), slog.Any("err", err))
	}
}

// collectSheets expands directories into the supported images they contain.
func collectSheets(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("sheet dir %s: %w", arg, err)
		}
		for _, e := range entries {
			if !e.IsDir() && sheetimage.IsSupportedFormat(e.Name()) {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	return paths, nil
}

// printResult writes a human-readable summary of one sheet.
func printResult(w io.Writer, tmpl *template.Template, res pipeline.SheetResult) {
	fmt.Fprintf(w, "\n=== %s: %s (%s) ===\n", res.Name, res.State, res.Duration.Round(time.Millisecond))
	if !res.OK() {
		fmt.Fprintf(w, "  error: %v\n", res.Err)
		return
	}
	fmt.Fprintf(w, "  strategy: %s\n", res.Diagnostics.Strategy)
	for _, label := range tmpl.FieldLabels() {
		fmt.Fprintf(w, "  %-12s %s\n", label, strings.Join(res.Fields[label], ""))
	}
	for _, name := range tmpl.CustomLabelNames() {
		fmt.Fprintf(w, "  %-12s %s\n", name, res.Concatenated[name])
	}
	if len(res.MultiMarked) > 0 {
		multi := append([]string(nil), res.MultiMarked...)
		sort.Strings(multi)
		fmt.Fprintf(w, "  multi-marked: %s\n", strings.Join(multi, ", "))
	}
	if ev := res.Evaluation; ev != nil {
		fmt.Fprintf(w, "  score: %d/%d\n", ev.Correct, ev.Total)
	}
	for _, warn := range res.Diagnostics.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

// jsonResult is one output line; locations are x, y, width, height in
// source pixels.
type jsonResult struct {
	Sheet       string                `json:"sheet"`
	State       string                `json:"state"`
	Error       string                `json:"error,omitempty"`
	Fields      map[string][]string   `json:"fields,omitempty"`
	Values      map[string]string     `json:"values,omitempty"`
	Corners     [4][2]float64         `json:"corners"`
	Strategy    string                `json:"strategy,omitempty"`
	Thresholds  map[string]float64    `json:"thresholds,omitempty"`
	MatchScores []float64             `json:"match_scores,omitempty"`
	Shifts      map[string]int        `json:"shifts,omitempty"`
	Locations   map[string][4]float64 `json:"locations,omitempty"`
	Score       *int                  `json:"score,omitempty"`
	Warnings    []string              `json:"warnings,omitempty"`
}

func printJSON(res pipeline.SheetResult) {
	out := jsonResult{
		Sheet:       res.Name,
		State:       res.State.String(),
		Fields:      res.Fields,
		Values:      res.Concatenated,
		Strategy:    res.Diagnostics.Strategy,
		Thresholds:  res.Diagnostics.Thresholds,
		MatchScores: res.Diagnostics.MatchScores,
		Shifts:      res.Diagnostics.Shifts,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for i, c := range res.Corners {
		out.Corners[i] = [2]float64{c.X, c.Y}
	}
	for label, r := range res.Diagnostics.SourceFields {
		if out.Locations == nil {
			out.Locations = make(map[string][4]float64)
		}
		out.Locations[label] = [4]float64{r.X, r.Y, r.Width, r.Height}
	}
	if res.Evaluation != nil {
		out.Score = &res.Evaluation.Correct
	}
	for _, w := range res.Diagnostics.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	data, err := json.Marshal(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
