package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"kafkarows/internal/logging"
)

func init() { Register("sarama", func() Connector { return &SaramaDriver{} }) }

// SaramaDriver reads one partition with a plain partition consumer. The
// group checkpoint is read once through an offset manager at connect time
// and written by explicit offset commit requests to the group coordinator.
type SaramaDriver struct {
	cl    sarama.Client
	cons  sarama.Consumer
	pc    sarama.PartitionConsumer
	group string

	closeOnce sync.Once
	closeErr  error
}

func (d *SaramaDriver) Connect(ctx context.Context, cfg Config) (Cursor, CommitFunc, error) {
	if cfg.Topic == "" {
		return nil, nil, &ConfigError{Key: "topic", Err: errors.New("must not be empty")}
	}
	props, err := ParseProperties(cfg.Properties)
	if err != nil {
		return nil, nil, err
	}
	if len(props.Brokers) == 0 {
		return nil, nil, &ConfigError{Key: PropBootstrapServers, Err: errors.New("no brokers configured")}
	}

	logging.L().Info("creating kafka partition consumer",
		zap.Strings("brokers", props.Brokers),
		zap.String("group", props.GroupID),
		zap.String("topic", cfg.Topic),
		zap.Int32("partition", cfg.Partition))

	d.group = props.GroupID
	if d.cl, err = sarama.NewClient(props.Brokers, props.Sarama); err != nil {
		return nil, nil, fmt.Errorf("kafka: client: %w", err)
	}
	start, err := d.startOffset(cfg.Topic, cfg.Partition)
	if err != nil {
		_ = d.Close()
		return nil, nil, err
	}
	if d.cons, err = sarama.NewConsumerFromClient(d.cl); err != nil {
		_ = d.Close()
		return nil, nil, fmt.Errorf("kafka: consumer: %w", err)
	}
	if d.pc, err = d.cons.ConsumePartition(cfg.Topic, cfg.Partition, start); err != nil {
		_ = d.Close()
		return nil, nil, fmt.Errorf("kafka: consume %s/%d@%d: %w", cfg.Topic, cfg.Partition, start, err)
	}

	cur := newPartitionCursor(d.pc, props.IdleTimeout)
	return cur, d.commitFunc(cfg.Topic, cfg.Partition, cur.cp), nil
}

// startOffset reads the stored group offset. NextOffset falls back to
// Consumer.Offsets.Initial when nothing is stored. The offset manager is
// released right away: with auto commit off, pom.Close would wait for a
// flush that only om.Close performs, so the partition manager is closed
// asynchronously and the offset manager releases it.
func (d *SaramaDriver) startOffset(topic string, partition int32) (int64, error) {
	om, err := sarama.NewOffsetManagerFromClient(d.group, d.cl)
	if err != nil {
		return 0, fmt.Errorf("kafka: offset manager: %w", err)
	}
	defer om.Close()
	pom, err := om.ManagePartition(topic, partition)
	if err != nil {
		return 0, fmt.Errorf("kafka: manage partition: %w", err)
	}
	start, _ := pom.NextOffset()
	pom.AsyncClose()
	return start, nil
}

func (d *SaramaDriver) commitFunc(topic string, partition int32, cp *Checkpoint) CommitFunc {
	return func(ctx context.Context) error {
		next, ok := cp.Next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logging.L().Debug("committing offset",
			zap.String("group", d.group), zap.String("topic", topic), zap.Int32("partition", partition),
			zap.Int64("offset", next), zap.Int64("previous", cp.Committed()), zap.Int64("messages", cp.Pending()))
		if err := d.commitOffset(topic, partition, next); err != nil {
			return fmt.Errorf("kafka: commit %s/%d@%d: %w", topic, partition, next, err)
		}
		cp.Mark(next)
		return nil
	}
}

// commitOffset stores next for the group and waits for the coordinator's
// per-partition answer.
func (d *SaramaDriver) commitOffset(topic string, partition int32, next int64) error {
	coord, err := d.cl.Coordinator(d.group)
	if err != nil {
		return err
	}
	req := &sarama.OffsetCommitRequest{
		Version:                 1,
		ConsumerGroup:           d.group,
		ConsumerGroupGeneration: sarama.GroupGenerationUndefined,
	}
	req.AddBlock(topic, partition, next, sarama.ReceiveTime, "")

	resp, err := coord.CommitOffset(req)
	if err != nil {
		_ = d.cl.RefreshCoordinator(d.group)
		return err
	}
	kerr, ok := resp.Errors[topic][partition]
	if !ok {
		return sarama.ErrIncompleteResponse
	}
	switch kerr {
	case sarama.ErrNoError:
		return nil
	case sarama.ErrNotCoordinatorForConsumer, sarama.ErrConsumerCoordinatorNotAvailable:
		_ = d.cl.RefreshCoordinator(d.group)
	}
	return kerr
}

// Close is idempotent. Closing the partition consumer unblocks a pending
// HasNext on another goroutine.
func (d *SaramaDriver) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.pc != nil {
			errs = append(errs, d.pc.Close())
		}
		if d.cons != nil {
			errs = append(errs, d.cons.Close())
		}
		if d.cl != nil && !d.cl.Closed() {
			errs = append(errs, d.cl.Close())
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

/* ───────────────────────── partition cursor ───────────────────────── */

type partitionCursor struct {
	pc   sarama.PartitionConsumer
	idle time.Duration
	cp   *Checkpoint

	ready   *sarama.ConsumerMessage
	idleHit bool
	err     error
}

func newPartitionCursor(pc sarama.PartitionConsumer, idle time.Duration) *partitionCursor {
	return &partitionCursor{pc: pc, idle: idle, cp: NewCheckpoint()}
}

func (c *partitionCursor) HasNext(ctx context.Context) bool {
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

	select {
	case msg, ok := <-c.pc.Messages():
		if !ok {
			return false
		}
		c.ready = msg
		return true
	case cerr, ok := <-c.pc.Errors():
		if ok && cerr != nil {
			c.err = cerr
		}
		return false
	case <-idle:
		c.idleHit = true
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *partitionCursor) Next() Message {
	m := c.ready
	c.ready = nil
	if m == nil {
		return Message{}
	}
	c.cp.Track(m.Offset)
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   toHeaderMap(m.Headers),
		Timestamp: m.Timestamp,
	}
}

func (c *partitionCursor) EmptyTimeoutSignaled() bool { return c.idleHit }

func (c *partitionCursor) Err() error { return c.err }

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
