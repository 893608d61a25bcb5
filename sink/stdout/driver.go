// kafkarows/sink/stdout/driver.go
package stdout

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"kafkarows/internal/logging"
	"kafkarows/internal/row"
	"kafkarows/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`        // artificial per-row delay
	PrintCounter  bool `yaml:"print_counter"`   // prepend seq#
	BatchSize     int  `yaml:"batch_size"`      // flush every N rows, 0 = on timer/close only
	FlushMS       int  `yaml:"flush_ms"`        // 0 = disabled
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = print whole values

	Out io.Writer `yaml:"-"` // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu       sync.Mutex // guards w+pending+timer+seq+flushErr
	w        *bufio.Writer
	pending  int
	timer    *time.Timer // nil → no timer armed
	seq      uint64
	flushErr error // failed timer flush, returned by the next Push or Close
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	d.w = bufio.NewWriter(c.Out)
	return nil
}

func (d *driver) Push(meta row.Meta, r row.Row) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return fmt.Errorf("stdout-sink: not configured")
	}
	if err := d.takeFlushErr(); err != nil {
		return err
	}

	d.seq++
	if d.cfg.PrintCounter {
		fmt.Fprintf(d.w, "[sink %06d] ", d.seq)
	}
	d.w.WriteString(d.format(meta, r))
	d.w.WriteByte('\n')
	d.pending++

	/* 1. flush on batch size */
	if d.cfg.BatchSize > 0 && d.pending >= d.cfg.BatchSize {
		return d.flushLocked()
	}

	/* 2. arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(
			time.Duration(d.cfg.FlushMS)*time.Millisecond,
			d.timerFlush,
		)
	}
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	if err := d.takeFlushErr(); err != nil {
		d.stopTimerLocked()
		return err
	}
	return d.flushLocked()
}

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flushLocked(); err != nil {
		logging.L().Error("stdout-sink: timed flush failed", zap.Error(err))
		d.flushErr = err
	}
}

func (d *driver) takeFlushErr() error {
	err := d.flushErr
	d.flushErr = nil
	if err != nil {
		return fmt.Errorf("stdout-sink: flush: %w", err)
	}
	return nil
}

// must be called with d.mu *held*
func (d *driver) flushLocked() error {
	d.stopTimerLocked() // re-arm on next Push if needed
	d.pending = 0
	return d.w.Flush()
}

func (d *driver) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *driver) format(meta row.Meta, r row.Row) string {
	var b strings.Builder
	for i, v := range r {
		if i > 0 {
			b.WriteByte(' ')
		}
		name := fmt.Sprintf("#%d", i)
		if i < meta.Len() {
			name = meta.Fields[i].Name
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(d.value(v))
	}
	return b.String()
}

func (d *driver) value(v any) string {
	switch x := v.(type) {
	case nil:
		return "<null>"
	case []byte:
		if n := d.cfg.ValueMaxBytes; n > 0 && len(x) > n {
			x = x[:n]
		}
		if utf8.Valid(x) {
			return fmt.Sprintf("%q", x)
		}
		return "0x" + hex.EncodeToString(x)
	default:
		return fmt.Sprint(x)
	}
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
