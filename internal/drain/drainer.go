package drain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kafkarows/internal/logging"
	"kafkarows/internal/telemetry"
	"kafkarows/source/kafka"
)

// Handler receives every pulled message, synchronously and in cursor order.
type Handler func(ctx context.Context, msg kafka.Message) error

// ErrorRoute takes a message whose handler failed. Returning nil keeps the
// cycle going; the cycle then finishes without committing.
type ErrorRoute func(ctx context.Context, msg kafka.Message, err error) error

type Option func(*Drainer)

// WithStopFlag shares an external stop signal with the drainer.
func WithStopFlag(f *StopFlag) Option { return func(d *Drainer) { d.stop = f } }

func WithErrorRoute(r ErrorRoute) Option { return func(d *Drainer) { d.route = r } }

// WithTopic labels logs and metrics.
func WithTopic(topic string) Option { return func(d *Drainer) { d.topic = topic } }

// Drainer runs bounded pull cycles over one cursor. Run must not be called
// concurrently; the drainer owns the cursor between calls.
type Drainer struct {
	cursor kafka.Cursor
	bound  Bound
	handle Handler
	commit kafka.CommitFunc
	stop   *StopFlag
	route  ErrorRoute
	topic  string

	mu       sync.Mutex
	inflight <-chan struct{} // closed when a worker abandoned on timeout exits
}

func New(cursor kafka.Cursor, bound Bound, handle Handler, commit kafka.CommitFunc, opts ...Option) *Drainer {
	d := &Drainer{
		cursor: cursor,
		bound:  bound,
		handle: handle,
		commit: commit,
	}
	for _, o := range opts {
		o(d)
	}
	if d.stop == nil {
		d.stop = NewStopFlag()
	}
	return d
}

// Stop cancels the running cycle and every later one.
func (d *Drainer) Stop() { d.stop.Stop() }

// Run executes one bounded cycle and reports how many messages were handled,
// the terminal outcome and, for Failed only, the cause. A commit is issued
// only for Completed cycles in which no record was routed as an error.
func (d *Drainer) Run(ctx context.Context) (int64, Outcome, error) {
	start := time.Now()
	n, out, err := d.run(ctx)
	telemetry.ObserveCycle(d.topic, out.String(), time.Since(start))
	logging.L().Debug("drain cycle finished",
		zap.String("topic", d.topic),
		zap.Int64("processed", n),
		zap.Stringer("outcome", out),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return n, out, err
}

func (d *Drainer) run(ctx context.Context) (int64, Outcome, error) {
	if d.stop.Stopped() || ctx.Err() != nil {
		return 0, Canceled, nil
	}
	if !d.awaitInflight(ctx) {
		return 0, Canceled, nil
	}

	if d.bound.MaxMessages > 0 {
		logging.L().Debug("collecting up to limit", zap.String("topic", d.topic), zap.Int64("limit", d.bound.MaxMessages))
	}

	c := d.newCycle(ctx)
	defer c.cancel()

	if d.bound.MaxDuration <= 0 {
		out, err := d.loop(c)
		return c.processed(), out, err
	}

	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		out, err := d.loop(c)
		res <- result{out, err}
	}()

	timer := time.NewTimer(d.bound.MaxDuration)
	defer timer.Stop()

	select {
	case r := <-res:
		return c.processed(), r.out, r.err
	case <-timer.C:
	}

	if !c.abort() {
		// the worker settled first, its result stands
		r := <-res
		return c.processed(), r.out, r.err
	}
	d.setInflight(exited)
	logging.L().Debug("drain deadline elapsed, worker abandoned",
		zap.String("topic", d.topic), zap.Duration("deadline", d.bound.MaxDuration))
	return c.processed(), TimedOut, nil
}

func (d *Drainer) loop(c *cycle) (Outcome, error) {
	degraded := 0
	for {
		if c.canceled() {
			return d.settle(c, Canceled, nil)
		}
		if d.bound.MaxMessages > 0 && c.processed() >= d.bound.MaxMessages {
			return d.complete(c, degraded)
		}
		if !d.cursor.HasNext(c.ctx) {
			return d.exhausted(c, degraded)
		}
		// a pull that outlived the deadline leaves its message for the next cycle
		if c.canceled() {
			return d.settle(c, Canceled, nil)
		}

		msg := d.cursor.Next()
		if err := d.handle(c.ctx, msg); err != nil {
			if d.route == nil {
				return d.settle(c, Failed, err)
			}
			if rerr := d.route(c.ctx, msg, err); rerr != nil {
				return d.settle(c, Failed, rerr)
			}
			degraded++
		}
		if !c.tick() {
			return d.settle(c, Canceled, nil)
		}
		telemetry.MessagesDrained.WithLabelValues(d.topic).Inc()
	}
}

func (d *Drainer) exhausted(c *cycle, degraded int) (Outcome, error) {
	switch {
	case c.canceled():
		return d.settle(c, Canceled, nil)
	case d.cursor.EmptyTimeoutSignaled():
		logging.L().Debug("received a consumer timeout",
			zap.String("topic", d.topic), zap.Int64("processed", c.processed()))
		if !d.bound.StopOnEmpty {
			return d.settle(c, Failed, ErrUnexpectedTimeout)
		}
		return d.complete(c, degraded)
	case d.cursor.Err() != nil:
		return d.settle(c, Failed, fmt.Errorf("drain: stream: %w", d.cursor.Err()))
	default:
		return d.complete(c, degraded)
	}
}

// settle claims the result for the loop. If the deadline already claimed
// it, the loop only reports that it stopped.
func (d *Drainer) settle(c *cycle, out Outcome, err error) (Outcome, error) {
	if !c.settle() {
		return Canceled, nil
	}
	return out, err
}

func (d *Drainer) complete(c *cycle, degraded int) (Outcome, error) {
	if !c.settle() {
		return Canceled, nil
	}
	if degraded > 0 {
		logging.L().Warn("skipping commit, records were routed as errors",
			zap.String("topic", d.topic), zap.Int("records", degraded))
		return Completed, nil
	}
	if d.commit == nil {
		return Completed, nil
	}
	if err := d.commit(c.parent); err != nil {
		telemetry.Commits.WithLabelValues(d.topic, "error").Inc()
		return Failed, fmt.Errorf("drain: commit: %w", err)
	}
	telemetry.Commits.WithLabelValues(d.topic, "ok").Inc()
	return Completed, nil
}

func (d *Drainer) awaitInflight(ctx context.Context) bool {
	d.mu.Lock()
	ch := d.inflight
	d.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		d.mu.Lock()
		if d.inflight == ch {
			d.inflight = nil
		}
		d.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	case <-d.stop.Done():
		return false
	}
}

// Wait blocks until a worker abandoned by an expired cycle has returned, so
// the cursor and everything the handler writes to can be released.
func (d *Drainer) Wait(ctx context.Context) error {
	d.mu.Lock()
	ch := d.inflight
	d.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Drainer) setInflight(ch <-chan struct{}) {
	d.mu.Lock()
	d.inflight = ch
	d.mu.Unlock()
}

/* ───────────────────────── cycle state ───────────────────────── */

// The cycle word packs the processed count with two claim bits. Whoever
// sets a claim bit first decides the outcome; once aborted, the count is
// frozen and the abandoned worker can no longer move it.
const (
	settledBit uint64 = 1 << 63
	abortedBit uint64 = 1 << 62
	claimMask         = settledBit | abortedBit
)

type cycle struct {
	parent context.Context
	ctx    context.Context // canceled on abort, stop or parent cancel
	cancel context.CancelFunc
	stop   *StopFlag
	word   atomic.Uint64
}

func (d *Drainer) newCycle(parent context.Context) *cycle {
	ctx, cancel := context.WithCancel(parent)
	c := &cycle{parent: parent, ctx: ctx, cancel: cancel, stop: d.stop}
	go func() {
		select {
		case <-d.stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return c
}

func (c *cycle) canceled() bool { return c.stop.Stopped() || c.ctx.Err() != nil }

func (c *cycle) processed() int64 { return int64(c.word.Load() &^ claimMask) }

// tick counts one handled message unless the cycle was already claimed.
func (c *cycle) tick() bool {
	for {
		w := c.word.Load()
		if w&claimMask != 0 {
			return false
		}
		if c.word.CompareAndSwap(w, w+1) {
			return true
		}
	}
}

func (c *cycle) settle() bool { return c.claim(settledBit) }

// abort marks the cycle timed out and cancels the worker's context.
func (c *cycle) abort() bool {
	if !c.claim(abortedBit) {
		return false
	}
	c.cancel()
	return true
}

func (c *cycle) claim(bit uint64) bool {
	for {
		w := c.word.Load()
		if w&claimMask != 0 {
			return false
		}
		if c.word.CompareAndSwap(w, w|bit) {
			return true
		}
	}
}
