package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"omr-reader/internal/alignment"
	"omr-reader/internal/diag"
	"omr-reader/internal/template"
	"omr-reader/pkg/geometry"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

const sheetDoc = `{
  "pageDimensions": [300, 400],
  "bubbleDimensions": [20, 20],
  "fieldBlocks": {
    "MCQ": {
      "fieldType": "QTYPE_MCQ4",
      "fieldLabels": ["q1..2"],
      "origin": [50, 60],
      "bubblesGap": 40,
      "labelsGap": 60
    }
  },
  "answerKey": {"q1": "B", "q2": "A"}
}`

// bubbleOrigin is the top-left corner of a bubble in sheetDoc.
func bubbleOrigin(label, value string) image.Point {
	x := 50 + 40*int(value[0]-'A')
	y := 60
	if label == "q2" {
		y += 60
	}
	return image.Pt(x, y)
}

// pageImage renders a 300x400 page with the given bubbles filled black,
// drawn inside a dark frame of the given margin.
func pageImage(margin int, marks map[string]string) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 300+2*margin, 400+2*margin))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{30, 30, 30, 255}), image.Point{}, draw.Src)
	page := image.Rect(margin, margin, margin+300, margin+400)
	draw.Draw(img, page, image.White, image.Point{}, draw.Src)
	for label, value := range marks {
		p := bubbleOrigin(label, value).Add(image.Pt(margin, margin))
		draw.Draw(img, image.Rect(p.X, p.Y, p.X+20, p.Y+20), image.Black, image.Point{}, draw.Src)
	}
	return img
}

func blankImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

// resizeStrategy treats the whole input as the page.
type resizeStrategy struct{}

func (resizeStrategy) Name() string { return "resize" }

func (resizeStrategy) Align(src gocv.Mat, page geometry.Size) (*alignment.Result, error) {
	w, h := int(page.Width), int(page.Height)
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)
	return &alignment.Result{
		Mat:      dst,
		Corners:  geometry.RectQuad(float64(src.Cols()), float64(src.Rows())),
		Strategy: "resize",
	}, nil
}

// gateStrategy blocks every alignment until release is closed.
type gateStrategy struct {
	resizeStrategy
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gateStrategy {
	return &gateStrategy{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateStrategy) Align(src gocv.Mat, page geometry.Size) (*alignment.Result, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.resizeStrategy.Align(src, page)
}

// panicOnce panics on its first alignment only.
type panicOnce struct {
	resizeStrategy
	calls atomic.Int32
}

func (p *panicOnce) Align(src gocv.Mat, page geometry.Size) (*alignment.Result, error) {
	if p.calls.Add(1) == 1 {
		panic("corrupt buffer")
	}
	return p.resizeStrategy.Align(src, page)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e, err := New([]byte(sheetDoc), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestProcess_ReadsMarks(t *testing.T) {
	e := newEngine(t, WithStrategy(resizeStrategy{}))

	results := e.Process(context.Background(), []Sheet{
		{Name: "a", Image: pageImage(0, map[string]string{"q1": "B", "q2": "A"})},
		{Name: "b", Image: pageImage(0, map[string]string{"q1": "D"})},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	a := results[0]
	if !a.OK() {
		t.Fatalf("sheet a: state %v, err %v", a.State, a.Err)
	}
	want := map[string][]string{"q1": {"B"}, "q2": {"A"}}
	if !reflect.DeepEqual(a.Fields, want) {
		t.Errorf("sheet a fields = %v, want %v", a.Fields, want)
	}
	if a.Evaluation == nil || a.Evaluation.Correct != 2 || a.Evaluation.Total != 2 {
		t.Errorf("sheet a evaluation = %+v", a.Evaluation)
	}
	if a.Diagnostics.Strategy != "resize" || len(a.Diagnostics.Thresholds) != 2 {
		t.Errorf("sheet a diagnostics = %+v", a.Diagnostics)
	}

	b := results[1]
	if got := b.Fields["q2"]; got == nil || len(got) != 0 {
		t.Errorf("sheet b q2 = %#v, want empty non-nil", got)
	}
	if got := b.Fields["q1"]; !reflect.DeepEqual(got, []string{"D"}) {
		t.Errorf("sheet b q1 = %v, want [D]", got)
	}
	// Concatenated only carries custom labels, and sheetDoc declares none.
	if len(b.Concatenated) != 0 {
		t.Errorf("sheet b concatenated = %v, want empty", b.Concatenated)
	}
	if b.Index != 1 || b.Name != "b" {
		t.Errorf("sheet b index/name = %d/%q", b.Index, b.Name)
	}
}

func TestProcess_FailureIsolated(t *testing.T) {
	e := newEngine(t)
	if e.Strategy().Name() != "contour" {
		t.Fatalf("strategy = %q, want contour without a marker", e.Strategy().Name())
	}

	results := e.Process(context.Background(), []Sheet{
		{Image: pageImage(20, map[string]string{"q1": "C", "q2": "B"})},
		{Image: blankImage(340, 440)},
		{Image: pageImage(20, map[string]string{"q1": "A"})},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
	}

	if !results[0].OK() || !results[2].OK() {
		t.Fatalf("framed sheets should succeed: %v / %v", results[0].Err, results[2].Err)
	}
	if got := results[0].Fields["q1"]; !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("sheet 0 q1 = %v, want [C]", got)
	}
	if got := results[2].Fields["q1"]; !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("sheet 2 q1 = %v, want [A]", got)
	}
	// q1 spans x 50..210, y 60..80 on the page, offset by the 20 px frame.
	want := geometry.Rect{X: 70, Y: 80, Width: 160, Height: 20}
	got, ok := results[0].Diagnostics.SourceFields["q1"]
	if !ok {
		t.Fatalf("no source location for q1: %v", results[0].Diagnostics.SourceFields)
	}
	if math.Abs(got.X-want.X) > 4 || math.Abs(got.Y-want.Y) > 4 ||
		math.Abs(got.Width-want.Width) > 4 || math.Abs(got.Height-want.Height) > 4 {
		t.Errorf("q1 source location = %+v, want about %+v", got, want)
	}

	failed := results[1]
	if failed.State != StateFailed {
		t.Fatalf("blank sheet state = %v, want failed", failed.State)
	}
	if !errors.Is(failed.Err, alignment.ErrBoundaryNotFound) {
		t.Errorf("blank sheet err = %v, want ErrBoundaryNotFound", failed.Err)
	}
	if !strings.HasPrefix(failed.Err.Error(), "align:") {
		t.Errorf("err %q should name the failing stage", failed.Err)
	}
}

func TestProcess_DecodeFailureIsWarning(t *testing.T) {
	doc := strings.Replace(sheetDoc, `"fieldBlocks": {`, `"fieldBlocks": {
    "Code": {"fieldType": "QTYPE_CUSTOM", "origin": [240, 330]},`, 1)
	e, err := New([]byte(doc), WithLogger(quietLogger()), WithStrategy(resizeStrategy{}))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	res := e.Process(context.Background(), []Sheet{{Image: pageImage(0, nil)}})[0]
	if !res.OK() {
		t.Fatalf("state %v, err %v", res.State, res.Err)
	}
	if got, ok := res.Fields["Code"]; !ok || len(got) != 0 {
		t.Errorf("Code = %#v, want present and empty", got)
	}
	if !diag.Has(res.Diagnostics.Warnings, diag.DecodeFailed) {
		t.Errorf("warnings = %v, want DecodeFailed", res.Diagnostics.Warnings)
	}
}

func TestBatch_CancelQueuedAndRunning(t *testing.T) {
	gate := newGate()
	e := newEngine(t, WithStrategy(gate))

	b := e.Start(context.Background())
	img := pageImage(0, map[string]string{"q1": "B"})
	running := b.Submit(Sheet{Name: "running", Image: img})
	queued := b.Submit(Sheet{Name: "queued", Image: img})
	b.Submit(Sheet{Name: "kept", Image: img})

	<-gate.entered
	if !b.Cancel(queued) {
		t.Error("Cancel(queued) = false")
	}
	if !b.Cancel(running) {
		t.Error("Cancel(running) = false")
	}
	close(gate.release)

	results := b.Wait()
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantStates := []State{StateCancelled, StateCancelled, StateDone}
	for i, r := range results {
		if r.State != wantStates[i] {
			t.Errorf("result %d (%s) state = %v, want %v", i, r.Name, r.State, wantStates[i])
		}
	}
	if !errors.Is(results[0].Err, ErrCancelled) || !errors.Is(results[1].Err, ErrCancelled) {
		t.Errorf("cancelled errs = %v, %v", results[0].Err, results[1].Err)
	}
	if b.Cancel(running) {
		t.Error("Cancel after completion should report false")
	}
}

func TestBatch_ContextCancelled(t *testing.T) {
	e := newEngine(t, WithStrategy(resizeStrategy{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.Process(ctx, []Sheet{
		{Image: pageImage(0, nil)},
		{Image: pageImage(0, nil)},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.State != StateCancelled || !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result %d: state %v, err %v", i, r.State, r.Err)
		}
	}
}

func TestBatch_Progress(t *testing.T) {
	var mu sync.Mutex
	var got []Progress
	sink := func(p Progress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}
	e := newEngine(t, WithStrategy(resizeStrategy{}), WithProgress(sink))

	e.Process(context.Background(), []Sheet{
		{Image: pageImage(0, nil)},
		{Image: pageImage(0, nil)},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("got %d progress reports, want 10", len(got))
	}
	wantPct := []int{10, 25, 60, 90, 100}
	for i, p := range got {
		sheet, step := i/5, i%5
		if p.SheetIndex != sheet || p.Percent != wantPct[step] || p.Checkpoint != Checkpoint(step) {
			t.Errorf("report %d = %+v, want sheet %d at %d%%", i, p, sheet, wantPct[step])
		}
	}
	if last := got[len(got)-1]; last.State != StateDone {
		t.Errorf("final report state = %v, want done", last.State)
	}
}

func TestBatch_PanicIsolated(t *testing.T) {
	e := newEngine(t, WithStrategy(&panicOnce{}))

	results := e.Process(context.Background(), []Sheet{
		{Image: pageImage(0, nil)},
		{Image: pageImage(0, map[string]string{"q2": "C"})},
	})
	if results[0].State != StateFailed || !strings.Contains(results[0].Err.Error(), "corrupt buffer") {
		t.Errorf("first sheet: state %v, err %v", results[0].State, results[0].Err)
	}
	if !results[1].OK() || !reflect.DeepEqual(results[1].Fields["q2"], []string{"C"}) {
		t.Errorf("second sheet: state %v, fields %v", results[1].State, results[1].Fields)
	}
}

func TestBatch_SubmitAfterClose(t *testing.T) {
	e := newEngine(t, WithStrategy(resizeStrategy{}))
	b := e.Start(context.Background())
	b.Close()
	if id := b.Submit(Sheet{Image: pageImage(0, nil)}); id != uuid.Nil {
		t.Errorf("Submit after Close returned %v, want nil ticket", id)
	}
	if n := len(b.Wait()); n != 0 {
		t.Errorf("got %d results from an empty batch", n)
	}
}

func TestNew_TemplateError(t *testing.T) {
	_, err := New([]byte(`{"pageDimensions": [300, 400]}`), WithLogger(quietLogger()))
	var tfe *template.TemplateFormatError
	if !errors.As(err, &tfe) {
		t.Fatalf("err = %v, want TemplateFormatError", err)
	}
}

func TestNew_GeneratedMarker(t *testing.T) {
	doc := strings.Replace(sheetDoc, `"answerKey"`,
		`"preProcessors": [{"name": "CropOnMarkers", "options": {"relativePath": "missing.png"}}],
  "answerKey"`, 1)
	e, err := New([]byte(doc), WithLogger(quietLogger()), WithTemplateDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()
	if e.Strategy().Name() != "marker+contour" {
		t.Errorf("strategy = %q, want marker+contour", e.Strategy().Name())
	}
	// A tenth of the default 1846 px processing width.
	if got := e.marker.Size(); got.X != 185 || got.Y != 185 {
		t.Errorf("generated marker size = %v, want 185x185", got)
	}
}

func TestEngine_Overlay(t *testing.T) {
	e := newEngine(t, WithStrategy(resizeStrategy{}), WithRectified(true))
	res := e.Process(context.Background(), []Sheet{
		{Image: pageImage(0, map[string]string{"q1": "B", "q2": "C"})},
	})[0]
	if !res.OK() || res.Rectified == nil {
		t.Fatalf("state %v, rectified %v, err %v", res.State, res.Rectified != nil, res.Err)
	}

	out, err := e.Overlay(&res)
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 300 || out.Bounds().Dy() != 400 {
		t.Fatalf("overlay size = %v", out.Bounds())
	}
	// q1=B matches the key, q2=C does not.
	if c := out.RGBAAt(100, 70); c.G <= c.R {
		t.Errorf("correct mark pixel = %v, want green dominant", c)
	}
	if c := out.RGBAAt(140, 130); c.R <= c.G {
		t.Errorf("wrong mark pixel = %v, want red dominant", c)
	}
	if c := out.RGBAAt(180, 70); c.R != 255 || c.G != 255 {
		t.Errorf("empty bubble interior = %v, want untouched white", c)
	}

	// Auto alignment offsets move the drawn footprints with the samples.
	res.Diagnostics.Shifts = map[string]int{"MCQ": 10}
	shifted, err := e.Overlay(&res)
	if err != nil {
		t.Fatal(err)
	}
	if c := shifted.RGBAAt(115, 70); c.G <= c.R {
		t.Errorf("shifted mark pixel = %v, want green dominant", c)
	}

	if _, err := e.Overlay(&SheetResult{Name: "bare"}); err == nil {
		t.Error("Overlay without a rectified image should fail")
	}
}
