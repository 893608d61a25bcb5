package step

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"kafkarows/internal/drain"
	"kafkarows/internal/logging"
	"kafkarows/internal/row"
	"kafkarows/source/kafka"
)

// ErrorMode decides what happens when a cycle or a record fails.
type ErrorMode int

const (
	// StopOnError fails ProcessRow and so the pipeline.
	StopOnError ErrorMode = iota
	// RouteRow sends the failing input row to the error output and goes on.
	RouteRow
	// RouteRecord sends each failing message to the error output and keeps
	// the cycle running; such a cycle does not commit.
	RouteRecord
)

func ParseErrorMode(s string) (ErrorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop":
		return StopOnError, nil
	case "row":
		return RouteRow, nil
	case "record":
		return RouteRecord, nil
	}
	return StopOnError, fmt.Errorf("step: unknown error handling mode %q", s)
}

var ErrNotInitialized = errors.New("step: not initialized")

// Writer receives the rows a step emits.
type Writer interface {
	PutRow(meta row.Meta, r row.Row) error
	PutError(meta row.Meta, r row.Row, cause error) error
}

type Option func(*Step)

func WithErrorMode(m ErrorMode) Option { return func(s *Step) { s.mode = m } }

// WithLookup replaces the environment used for ${VAR} substitution.
func WithLookup(fn func(string) (string, bool)) Option { return func(s *Step) { s.lookup = fn } }

// WithConnectorFactory replaces the driver registry lookup.
func WithConnectorFactory(fn func(name string) (kafka.Connector, error)) Option {
	return func(s *Step) { s.newConn = fn }
}

// Step appends the value and key of consumed messages to each input row.
// Every input row starts one bounded drain cycle.
type Step struct {
	name    string
	cfg     kafka.Config
	mode    ErrorMode
	lookup  func(string) (string, bool)
	newConn func(string) (kafka.Connector, error)
	log     *zap.Logger

	stop *drain.StopFlag

	mu      sync.Mutex
	conn    kafka.Connector
	drainer *drain.Drainer

	inMeta  row.Meta
	outMeta row.Meta
	out     Writer
}

func New(name string, cfg kafka.Config, opts ...Option) *Step {
	kafka.ApplyDefaults(&cfg)
	s := &Step{
		name:    name,
		cfg:     cfg,
		newConn: kafka.NewConnector,
		stop:    drain.NewStopFlag(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.L().With(zap.String("step", name))
	return s
}

func (s *Step) Name() string { return s.name }

// OutputMeta is the input layout followed by the value and key fields.
// Valid after Init.
func (s *Step) OutputMeta() row.Meta { return s.outMeta }

// Init validates and resolves the configuration, then connects.
func (s *Step) Init(ctx context.Context, input row.Meta, out Writer) error {
	remarks := Check(s.cfg, input, s.lookup)
	for _, r := range remarks {
		if r.Level == Warning {
			s.log.Warn(r.Text)
		}
	}
	if HasErrors(remarks) {
		var errs []error
		for _, r := range remarks {
			if r.Level == Error {
				errs = append(errs, errors.New(r.Text))
			}
		}
		return fmt.Errorf("step %s: invalid configuration: %w", s.name, errors.Join(errs...))
	}

	res, err := s.cfg.Resolve(s.lookup)
	if err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	if _, ok := res.Properties[kafka.PropConsumerTimeout]; !ok && res.StopOnEmpty {
		res.Properties[kafka.PropConsumerTimeout] = kafka.DefaultIdleTimeout
	}

	outMeta := input.Clone()
	if err := outMeta.Add(row.Field{Name: res.Field, Type: row.Binary, Origin: s.name}); err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	if err := outMeta.Add(row.Field{Name: res.KeyField, Type: row.Binary, Origin: s.name}); err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}

	conn, err := s.newConn(res.Driver)
	if err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	s.log.Info("connecting",
		zap.String("driver", res.Driver),
		zap.String("topic", res.Topic),
		zap.Int64("limit", res.MaxMessages),
		zap.Duration("timeout", res.MaxDuration),
		zap.Bool("stop_on_empty", res.StopOnEmpty))
	cur, commit, err := conn.Connect(ctx, res.Config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("step %s: connect: %w", s.name, err)
	}

	opts := []drain.Option{drain.WithStopFlag(s.stop), drain.WithTopic(res.Topic)}
	if s.mode == RouteRecord {
		opts = append(opts, drain.WithErrorRoute(s.routeRecord))
	}
	bound := drain.Bound{MaxMessages: res.MaxMessages, MaxDuration: res.MaxDuration, StopOnEmpty: res.StopOnEmpty}

	s.mu.Lock()
	s.conn = conn
	s.drainer = drain.New(cur, bound, s.emit, commit, opts...)
	s.inMeta = input
	s.outMeta = outMeta
	s.out = out
	s.mu.Unlock()
	return nil
}

type inputKey struct{}

// ProcessRow runs one drain cycle for the input row. A failed cycle is
// returned as an error under StopOnError; in the routing modes the input
// row goes to the error output and the returned error is nil.
func (s *Step) ProcessRow(ctx context.Context, in row.Row) (drain.Outcome, error) {
	s.mu.Lock()
	d := s.drainer
	s.mu.Unlock()
	if d == nil {
		return drain.Failed, ErrNotInitialized
	}

	in = in.Resize(s.inMeta.Len())
	n, out, err := d.Run(context.WithValue(ctx, inputKey{}, in))
	switch out {
	case drain.Completed, drain.TimedOut:
		s.log.Info("cycle done", zap.Stringer("outcome", out), zap.Int64("messages", n))
		return out, nil
	case drain.Canceled:
		s.log.Info("cycle canceled", zap.Int64("messages", n))
		return out, nil
	}

	s.log.Error("cycle failed", zap.Int64("messages", n), zap.Error(err))
	if s.mode == StopOnError {
		return out, fmt.Errorf("step %s: %w", s.name, err)
	}
	if perr := s.out.PutError(s.inMeta, in, err); perr != nil {
		return out, fmt.Errorf("step %s: error output: %w", s.name, perr)
	}
	return out, nil
}

func (s *Step) emit(ctx context.Context, msg kafka.Message) error {
	in, _ := ctx.Value(inputKey{}).(row.Row)
	return s.out.PutRow(s.outMeta, in.Extend(msg.Value, msg.Key))
}

func (s *Step) routeRecord(ctx context.Context, msg kafka.Message, cause error) error {
	in, _ := ctx.Value(inputKey{}).(row.Row)
	s.log.Warn("record routed to error output",
		zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(cause))
	return s.out.PutError(s.outMeta, in.Extend(msg.Value, msg.Key), cause)
}

// Stopped reports whether Stop was called.
func (s *Step) Stopped() bool { return s.stop.Stopped() }

// Stop cancels the running cycle and every later one, then closes the
// connection. Safe to call from a signal handler.
func (s *Step) Stop() {
	s.stop.Stop()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("close on stop", zap.Error(err))
		}
	}
}

// Dispose waits for a worker left behind by an expired cycle, then releases
// the connection. After it returns no more rows reach the Writer. Idempotent.
func (s *Step) Dispose() error {
	s.mu.Lock()
	conn, d := s.conn, s.drainer
	s.conn = nil
	s.drainer = nil
	s.mu.Unlock()
	if d != nil {
		if err := d.Wait(context.Background()); err != nil {
			s.log.Warn("waiting for abandoned cycle", zap.Error(err))
		}
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}
