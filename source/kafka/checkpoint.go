package kafka

import "sync"

/* ───────────────────────── Checkpoint ───────────────────────────── */

// Checkpoint records what a cursor has handed out since the last commit.
// The drivers track every delivered offset and resolve them all at once
// when a cycle completes.
type Checkpoint struct {
	mu        sync.Mutex
	highest   int64
	committed int64 // next offset already durable, -1 until first commit
	pending   int64
}

func NewCheckpoint() *Checkpoint { return &Checkpoint{highest: -1, committed: -1} }

// Track records delivery of offset. Offsets within a partition only grow.
func (c *Checkpoint) Track(offset int64) {
	c.mu.Lock()
	if offset > c.highest {
		c.highest = offset
	}
	c.pending++
	c.mu.Unlock()
}

// Pending is the number of deliveries not yet covered by a commit.
func (c *Checkpoint) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Next returns the offset a commit should store (highest delivered + 1),
// false when nothing new was delivered.
func (c *Checkpoint) Next() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.highest < 0 || c.highest+1 <= c.committed {
		return 0, false
	}
	return c.highest + 1, true
}

// Mark records that next is durable.
func (c *Checkpoint) Mark(next int64) {
	c.mu.Lock()
	if next > c.committed {
		c.committed = next
	}
	if next > c.highest {
		c.pending = 0
	}
	c.mu.Unlock()
}

// Committed returns the last durable next-offset, -1 when none.
func (c *Checkpoint) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}
