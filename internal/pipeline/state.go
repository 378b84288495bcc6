package pipeline

import (
	"github.com/google/uuid"
)

// State is the lifecycle position of one sheet. Template normalization has
// no per-sheet state: it runs once in New, and a template error fails New
// before any sheet is queued.
type State int

const (
	StateQueued State = iota
	StateAligning
	StateDetecting
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAligning:
		return "aligning"
	case StateDetecting:
		return "detecting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Checkpoint is a named point in per-sheet processing. Cancellation is
// checked and progress is reported at each one.
type Checkpoint int

const (
	CheckpointLoad Checkpoint = iota
	CheckpointPreprocess
	CheckpointAlign
	CheckpointDetect
	CheckpointFinalize
)

func (c Checkpoint) String() string {
	switch c {
	case CheckpointLoad:
		return "load"
	case CheckpointPreprocess:
		return "preprocess"
	case CheckpointAlign:
		return "align"
	case CheckpointDetect:
		return "detect"
	case CheckpointFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Percent is the fixed progress value reached at the checkpoint.
func (c Checkpoint) Percent() int {
	switch c {
	case CheckpointLoad:
		return 10
	case CheckpointPreprocess:
		return 25
	case CheckpointAlign:
		return 60
	case CheckpointDetect:
		return 90
	case CheckpointFinalize:
		return 100
	default:
		return 0
	}
}

// Progress is reported to a ProgressSink from the worker goroutine.
type Progress struct {
	Checkpoint Checkpoint
	Percent    int
	SheetIndex int
	SheetID    uuid.UUID
	Name       string
	State      State
}

// ProgressSink receives progress updates. It runs on the worker goroutine
// and should return quickly.
type ProgressSink func(Progress)
