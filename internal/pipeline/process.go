package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"omr-reader/internal/alignment"
	"omr-reader/internal/decode"
	"omr-reader/internal/detection"
	"omr-reader/internal/diag"
	"omr-reader/internal/template"

	"gocv.io/x/gocv"
)

// run processes one sheet. Every native buffer is released before it
// returns, whatever the outcome.
func (b *Batch) run(j *job) (res SheetResult) {
	start := time.Now()
	res = SheetResult{
		Index: j.index,
		ID:    j.id,
		Name:  j.sheet.displayName(j.index),
		State: StateQueued,
	}

	defer func() {
		if r := recover(); r != nil {
			b.e.logger.Error("sheet panicked",
				slog.String("sheet", res.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res.State = StateFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		b.logResult(&res)
	}()

	if err := b.process(j, &res); err != nil {
		res.Err = err
		if errors.Is(err, ErrCancelled) {
			res.State = StateCancelled
		} else {
			res.State = StateFailed
		}
	}
	return res
}

func (b *Batch) process(j *job, res *SheetResult) error {
	e := b.e

	img, err := j.sheet.load(e.cfg.LoadOptions())
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := b.reach(j, res, CheckpointLoad); err != nil {
		return err
	}

	src, err := alignment.ImageToMat(img)
	if err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	defer src.Close()
	if err := b.reach(j, res, CheckpointPreprocess); err != nil {
		return err
	}

	res.State = StateAligning
	aligned, err := e.strategy.Align(src, e.tmpl.PageSize())
	if err != nil {
		return fmt.Errorf("align: %w", err)
	}
	defer aligned.Close()
	res.Corners = aligned.Corners
	res.Diagnostics.Strategy = aligned.Strategy
	res.Diagnostics.MatchScores = aligned.Scores
	res.Diagnostics.Warnings = append(res.Diagnostics.Warnings, aligned.Warnings...)
	if err := b.reach(j, res, CheckpointAlign); err != nil {
		return err
	}

	res.State = StateDetecting
	det, err := detection.Detect(aligned.Mat, e.tmpl, e.params)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	res.Fields = det.Fields
	res.MultiMarked = det.MultiMarked
	res.Diagnostics.Thresholds = det.Thresholds
	res.Diagnostics.GlobalThreshold = det.GlobalThreshold
	res.Diagnostics.GlobalStdThreshold = det.GlobalStdThreshold
	res.Diagnostics.Shifts = det.Shifts
	res.Diagnostics.SourceFields = sourceFields(e.tmpl, aligned.Homography, det.Shifts)
	res.Diagnostics.Warnings = append(res.Diagnostics.Warnings, det.Warnings...)

	e.decodeFields(aligned.Mat, res)

	if e.keepRectified {
		rect, err := alignment.MatToImage(aligned.Mat)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}
		res.Rectified = rect
	}
	if err := b.reach(j, res, CheckpointDetect); err != nil {
		return err
	}

	res.Concatenated = template.Concatenate(e.tmpl, res.Fields)
	res.Evaluation = template.Evaluate(e.tmpl, res.Fields)
	res.State = StateDone
	b.report(j, res, CheckpointFinalize)
	return nil
}

// decodeFields reads the externally decoded fields. A field that cannot be
// read is left empty and recorded as a warning.
func (e *Engine) decodeFields(rectified gocv.Mat, res *SheetResult) {
	for _, f := range e.tmpl.Decoded {
		text, err := e.decoders.DecodeField(rectified, f)
		if err != nil {
			res.Fields[f.Label] = []string{}
			w := diag.Warnf(diag.DecodeFailed, "%v", err)
			w.Field = f.Label
			res.Diagnostics.Warnings = append(res.Diagnostics.Warnings, w)
			if !errors.Is(err, decode.ErrNotDecoded) {
				e.logger.Debug("decode failed", slog.String("field", f.Label), slog.Any("err", err))
			}
			continue
		}
		res.Fields[f.Label] = []string{text}
	}
}

// reach checks for cancellation at a checkpoint and reports progress when
// the sheet may continue.
func (b *Batch) reach(j *job, res *SheetResult, cp Checkpoint) error {
	if err := b.interrupted(j); err != nil {
		return fmt.Errorf("%s: %w", cp, err)
	}
	b.report(j, res, cp)
	return nil
}

func (b *Batch) report(j *job, res *SheetResult, cp Checkpoint) {
	if b.e.progress == nil {
		return
	}
	b.e.progress(Progress{
		Checkpoint: cp,
		Percent:    cp.Percent(),
		SheetIndex: j.index,
		SheetID:    j.id,
		Name:       res.Name,
		State:      res.State,
	})
}

func (b *Batch) logResult(res *SheetResult) {
	attrs := []any{
		slog.Int("index", res.Index),
		slog.String("sheet", res.Name),
		slog.String("state", res.State.String()),
		slog.Duration("duration", res.Duration),
	}
	switch res.State {
	case StateDone:
		attrs = append(attrs,
			slog.String("strategy", res.Diagnostics.Strategy),
			slog.Int("warnings", len(res.Diagnostics.Warnings)))
		b.e.logger.Info("sheet processed", attrs...)
	case StateCancelled:
		b.e.logger.Info("sheet cancelled", attrs...)
	default:
		b.e.logger.Warn("sheet failed", append(attrs, slog.Any("err", res.Err))...)
	}
}
