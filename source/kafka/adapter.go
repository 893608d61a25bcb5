package kafka

//go:generate mockgen -source=adapter.go -destination=mocks/mock_adapter.go -package=mocks

import (
	"context"
	"time"
)

// Message is one record read from a single partition.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

// Cursor is a pull-based view over one partition. It is not safe for
// concurrent use; exactly one goroutine may drive it at a time.
type Cursor interface {
	// HasNext blocks until a message is ready, the idle timeout elapses,
	// the stream fails or closes, or ctx is done.
	HasNext(ctx context.Context) bool
	// Next returns the message made ready by the last successful HasNext.
	Next() Message
	// EmptyTimeoutSignaled reports whether the last failed HasNext was an
	// idle timeout rather than a failure or shutdown.
	EmptyTimeoutSignaled() bool
	// Err returns the failure that ended the stream, if any.
	Err() error
}

// CommitFunc durably advances the group checkpoint past every message the
// cursor has delivered so far.
type CommitFunc func(ctx context.Context) error

// Connector opens a cursor over the configured topic partition. A connector
// owns the connection for its whole lifetime, across many drain cycles.
type Connector interface {
	Connect(ctx context.Context, cfg Config) (Cursor, CommitFunc, error)
	Close() error
}
