package drain

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is the terminal state of one drain cycle.
type Outcome int

const (
	Pending Outcome = iota
	Completed
	TimedOut
	Canceled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrUnexpectedTimeout is returned when the stream goes idle while the
// bound does not stop on an empty topic.
var ErrUnexpectedTimeout = errors.New("drain: unexpected consumer timeout")

// Bound limits one cycle. Zero values mean unlimited.
type Bound struct {
	MaxMessages int64
	MaxDuration time.Duration
	StopOnEmpty bool
}

// StopFlag is a one-way cancellation signal that outlives single cycles.
// A shutdown request sets it; every running and future cycle observes it.
type StopFlag struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewStopFlag() *StopFlag { return &StopFlag{done: make(chan struct{})} }

// Stop is idempotent.
func (f *StopFlag) Stop() {
	f.once.Do(func() {
		f.stopped.Store(true)
		close(f.done)
	})
}

func (f *StopFlag) Stopped() bool { return f.stopped.Load() }

func (f *StopFlag) Done() <-chan struct{} { return f.done }
