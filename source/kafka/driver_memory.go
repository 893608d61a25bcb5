package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

func init() { Register("memory", func() Connector { return NewMemoryDriver() }) }

var memTopics sync.Map // name -> *MemoryTopic

// MemoryTopic returns the process-wide in-memory partition named name,
// creating it on first use.
func MemoryTopic(name string) *MemTopic {
	t, _ := memTopics.LoadOrStore(name, newMemTopic(name))
	return t.(*MemTopic)
}

// MemTopic is a single in-process partition with per-group committed
// offsets. It backs the "memory" driver for local runs and tests.
type MemTopic struct {
	name string

	mu        sync.Mutex
	msgs      []Message
	wake      chan struct{} // closed and replaced on every append
	committed map[string]int64
}

func newMemTopic(name string) *MemTopic {
	return &MemTopic{name: name, wake: make(chan struct{}), committed: map[string]int64{}}
}

// Append stores a message and returns its offset.
func (t *MemTopic) Append(key, value []byte) int64 {
	t.mu.Lock()
	off := int64(len(t.msgs))
	t.msgs = append(t.msgs, Message{
		Topic:     t.name,
		Offset:    off,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	})
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
	return off
}

func (t *MemTopic) Len() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.msgs))
}

// Committed returns the stored next offset for group, -1 when none.
func (t *MemTopic) Committed(group string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if off, ok := t.committed[group]; ok {
		return off
	}
	return -1
}

func (t *MemTopic) commit(group string, next int64) {
	t.mu.Lock()
	if next > t.committed[group] {
		t.committed[group] = next
	}
	t.mu.Unlock()
}

func (t *MemTopic) read(off int64) (Message, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if off < int64(len(t.msgs)) {
		return t.msgs[off], true, nil
	}
	return Message{}, false, t.wake
}

/* ───────────────────────── driver ───────────────────────── */

type MemoryDriver struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMemoryDriver() *MemoryDriver { return &MemoryDriver{closed: make(chan struct{})} }

func (d *MemoryDriver) Connect(_ context.Context, cfg Config) (Cursor, CommitFunc, error) {
	if cfg.Topic == "" {
		return nil, nil, &ConfigError{Key: "topic", Err: errors.New("must not be empty")}
	}
	props, err := ParseProperties(cfg.Properties)
	if err != nil {
		return nil, nil, err
	}
	topic := MemoryTopic(cfg.Topic)

	start := topic.Committed(props.GroupID)
	if start < 0 {
		if props.Initial == sarama.OffsetOldest {
			start = 0
		} else {
			start = topic.Len()
		}
	}

	cur := &memCursor{topic: topic, next: start, idle: props.IdleTimeout, closed: d.closed, cp: NewCheckpoint()}
	commit := func(ctx context.Context) error {
		next, ok := cur.cp.Next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		topic.commit(props.GroupID, next)
		cur.cp.Mark(next)
		return nil
	}
	return cur, commit, nil
}

func (d *MemoryDriver) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

type memCursor struct {
	topic  *MemTopic
	next   int64
	idle   time.Duration
	closed <-chan struct{}
	cp     *Checkpoint

	ready   *Message
	idleHit bool
}

func (c *memCursor) HasNext(ctx context.Context) bool {
	if c.ready != nil {
		return true
	}
	c.idleHit = false

	var idle <-chan time.Time
	if c.idle > 0 {
		t := time.NewTimer(c.idle)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-c.closed:
			return false
		default:
		}
		msg, ok, wake := c.topic.read(c.next)
		if ok {
			c.next++
			c.ready = &msg
			return true
		}
		select {
		case <-wake:
		case <-idle:
			c.idleHit = true
			return false
		case <-c.closed:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *memCursor) Next() Message {
	m := c.ready
	c.ready = nil
	if m == nil {
		return Message{}
	}
	c.cp.Track(m.Offset)
	return *m
}

func (c *memCursor) EmptyTimeoutSignaled() bool { return c.idleHit }

func (c *memCursor) Err() error { return nil }
