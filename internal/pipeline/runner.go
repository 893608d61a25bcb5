package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"kafkarows/internal/drain"
	"kafkarows/internal/logging"
	"kafkarows/internal/row"
	"kafkarows/internal/step"
	"kafkarows/internal/telemetry"
	"kafkarows/sink"
)

// ErrorField is appended to rows sent to the error sink.
const ErrorField = "error_description"

type namedSink struct {
	name string
	sink.Adapter
}

// Runner feeds input rows through the consumer step and fans the produced
// rows out to the sinks.
type Runner struct {
	step   *step.Step
	inMeta row.Meta
	inputs []row.Row
	cycles int

	sinks     []namedSink
	errorSink *namedSink

	rows   atomic.Int64
	errors atomic.Int64
}

func NewRunner(s *step.Step) *Runner { return &Runner{step: s, cycles: 1} }

func (r *Runner) AddSink(name string, s sink.Adapter) {
	r.sinks = append(r.sinks, namedSink{name, s})
}

func (r *Runner) SetErrorSink(name string, s sink.Adapter) { r.errorSink = &namedSink{name, s} }

// SetInput sets static input rows; each one drives a cycle.
func (r *Runner) SetInput(meta row.Meta, rows []row.Row) {
	r.inMeta = meta
	r.inputs = rows
}

// SetCycles sets how many cycles run without input rows, 0 = until stopped.
func (r *Runner) SetCycles(n int) { r.cycles = n }

func (r *Runner) Rows() int64   { return r.rows.Load() }
func (r *Runner) Errors() int64 { return r.errors.Load() }

// Stop cancels the running cycle; Run returns once it has unwound.
func (r *Runner) Stop() { r.step.Stop() }

/*──────── step.Writer ───────*/

func (r *Runner) PutRow(meta row.Meta, out row.Row) error {
	for _, s := range r.sinks {
		if err := s.Push(meta, out); err != nil {
			return fmt.Errorf("sink %s: %w", s.name, err)
		}
		telemetry.RowsEmitted.WithLabelValues(s.name).Inc()
	}
	r.rows.Add(1)
	return nil
}

func (r *Runner) PutError(meta row.Meta, in row.Row, cause error) error {
	r.errors.Add(1)
	if r.errorSink == nil {
		return cause
	}
	em := meta.Clone()
	if err := em.Add(row.Field{Name: ErrorField, Type: row.String}); err != nil {
		return err
	}
	if err := r.errorSink.Push(em, in.Resize(meta.Len()).Extend(cause.Error())); err != nil {
		return fmt.Errorf("error sink %s: %w", r.errorSink.name, err)
	}
	telemetry.RowsEmitted.WithLabelValues(r.errorSink.name).Inc()
	return nil
}

/*──────── lifecycle ───────*/

// Run initializes the step, drives the cycles and releases everything.
func (r *Runner) Run(ctx context.Context) (err error) {
	if r.step == nil {
		return errors.New("runner: no step configured")
	}
	if err := r.step.Init(ctx, r.inMeta, r); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, r.close()) }()

	log := logging.L().With(zap.String("step", r.step.Name()))
	if len(r.inputs) == 0 {
		for i := 0; r.cycles == 0 || i < r.cycles; i++ {
			out, err := r.step.ProcessRow(ctx, nil)
			if err != nil {
				return err
			}
			if out == drain.Canceled || r.step.Stopped() || ctx.Err() != nil {
				break
			}
		}
	} else {
		for _, in := range r.inputs {
			out, err := r.step.ProcessRow(ctx, in)
			if err != nil {
				return err
			}
			if out == drain.Canceled || r.step.Stopped() || ctx.Err() != nil {
				break
			}
		}
	}
	log.Info("pipeline finished", zap.Int64("rows", r.Rows()), zap.Int64("errors", r.Errors()))
	return nil
}

func (r *Runner) close() error {
	errs := []error{r.step.Dispose()}
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	if r.errorSink != nil && !r.isSink(r.errorSink.Adapter) {
		errs = append(errs, r.errorSink.Close())
	}
	return errors.Join(errs...)
}

func (r *Runner) isSink(a sink.Adapter) bool {
	for _, s := range r.sinks {
		if s.Adapter == a {
			return true
		}
	}
	return false
}
