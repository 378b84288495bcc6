package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	sheetimage "omr-reader/internal/image"

	"github.com/google/uuid"
)

// ErrCancelled is the error of a sheet cancelled before or while it ran.
var ErrCancelled = errors.New("sheet cancelled")

// Sheet is one submitted image. The first non-empty source of Image, Data
// and Path is used.
type Sheet struct {
	Name  string
	Path  string
	Data  []byte
	Image image.Image
}

func (s Sheet) displayName(index int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Path != "":
		return filepath.Base(s.Path)
	default:
		return fmt.Sprintf("sheet-%d", index)
	}
}

func (s Sheet) load(opts sheetimage.LoadOptions) (image.Image, error) {
	switch {
	case s.Image != nil:
		return s.Image, nil
	case len(s.Data) > 0:
		r, err := sheetimage.DecodeBytes(s.Data, opts)
		if err != nil {
			return nil, err
		}
		return r.Image, nil
	case s.Path != "":
		r, err := sheetimage.Load(s.Path, opts)
		if err != nil {
			return nil, err
		}
		return r.Image, nil
	default:
		return nil, fmt.Errorf("sheet has no image source")
	}
}

type job struct {
	index     int
	id        uuid.UUID
	sheet     Sheet
	cancelled atomic.Bool
}

// Batch is a FIFO queue of sheets drained by one background worker.
// Results are delivered in submission order, one per submitted sheet.
type Batch struct {
	e   *Engine
	ctx context.Context

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*job
	pending  map[uuid.UUID]*job
	next     int
	closed   bool
	results  chan SheetResult
	finished chan struct{}
}

// Start launches a batch worker. The worker stops once the batch is closed
// and its queue is drained. Cancelling ctx cancels every sheet that has not
// finished yet.
func (e *Engine) Start(ctx context.Context) *Batch {
	b := &Batch{
		e:        e,
		ctx:      ctx,
		pending:  make(map[uuid.UUID]*job),
		results:  make(chan SheetResult, 16),
		finished: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.worker()
	return b
}

// Submit queues a sheet and returns its ticket. It returns uuid.Nil if the
// batch is already closed.
func (b *Batch) Submit(s Sheet) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.e.logger.Warn("submit on closed batch", slog.String("sheet", s.displayName(b.next)))
		return uuid.Nil
	}
	j := &job{index: b.next, id: uuid.New(), sheet: s}
	b.next++
	b.queue = append(b.queue, j)
	b.pending[j.id] = j
	b.cond.Signal()
	return j.id
}

// Cancel cancels a queued or running sheet. A queued sheet is skipped; a
// running one stops at its next checkpoint. Either way its result has state
// StateCancelled. Cancel reports false if the sheet already finished or the
// ticket is unknown.
func (b *Batch) Cancel(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.pending[id]
	if !ok {
		return false
	}
	j.cancelled.Store(true)
	return true
}

// Close stops accepting sheets. Queued sheets are still processed.
func (b *Batch) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Results returns the channel results are delivered on. It is closed after
// the last result of a closed batch.
func (b *Batch) Results() <-chan SheetResult {
	return b.results
}

// Done is closed when the worker has exited.
func (b *Batch) Done() <-chan struct{} {
	return b.finished
}

// Wait closes the batch and collects every result not yet received from
// Results, in submission order.
func (b *Batch) Wait() []SheetResult {
	b.Close()
	var out []SheetResult
	for r := range b.results {
		out = append(out, r)
	}
	<-b.finished
	return out
}

func (b *Batch) worker() {
	defer close(b.finished)
	defer close(b.results)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		j := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		var res SheetResult
		if err := b.interrupted(j); err != nil {
			res = SheetResult{
				Index: j.index,
				ID:    j.id,
				Name:  j.sheet.displayName(j.index),
				State: StateCancelled,
				Err:   err,
			}
			b.e.logger.Info("sheet skipped", slog.String("sheet", res.Name), slog.Any("err", err))
		} else {
			res = b.run(j)
		}

		b.mu.Lock()
		delete(b.pending, j.id)
		b.mu.Unlock()
		b.results <- res
	}
}

// interrupted returns a non-nil error when the sheet or the batch context
// has been cancelled.
func (b *Batch) interrupted(j *job) error {
	if j.cancelled.Load() {
		return ErrCancelled
	}
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}
