package kafka

import (
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"kafkarows/internal/row"
	"kafkarows/sink"
)

type Config struct {
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	Acks       int16    `yaml:"required_acks"` // 0,1,-1
	ValueField string   `yaml:"value_field"`   // default "message"
	KeyField   string   `yaml:"key_field"`     // default "key", "" in YAML keeps the default
}

// producerFactory is swapped in tests.
type producerFactory func(brokers []string, sc *sarama.Config) (sarama.SyncProducer, error)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("kafka-sink: closed")

type driver struct {
	cfg         Config
	newProducer producerFactory

	mu sync.RWMutex
	p  sarama.SyncProducer
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if cfg.Topic == "" {
		return errors.New("kafka-sink: topic is required")
	}
	if cfg.ValueField == "" {
		cfg.ValueField = "message"
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "key"
	}
	d.cfg = cfg

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true // required by SyncProducer
	newProducer := d.newProducer
	if newProducer == nil {
		newProducer = sarama.NewSyncProducer
	}
	p, err := newProducer(cfg.Brokers, sc)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.p = p
	d.mu.Unlock()
	return nil
}

// Push forwards one row synchronously, so a failed send fails the record
// and the source cycle does not commit past it.
func (d *driver) Push(meta row.Meta, r row.Row) error {
	vi := meta.Index(d.cfg.ValueField)
	if vi < 0 || vi >= len(r) {
		return fmt.Errorf("kafka-sink: row has no field %q", d.cfg.ValueField)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Value: encode(r[vi]),
	}
	if ki := meta.Index(d.cfg.KeyField); ki >= 0 && ki < len(r) && r[ki] != nil {
		msg.Key = encode(r[ki])
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.p == nil {
		return ErrClosed
	}
	if _, _, err := d.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka-sink: send to %s: %w", d.cfg.Topic, err)
	}
	return nil
}

// Close waits for an in-flight Push and closes the producer. Idempotent.
func (d *driver) Close() error {
	d.mu.Lock()
	p := d.p
	d.p = nil
	d.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func encode(v any) sarama.Encoder {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return sarama.ByteEncoder(x)
	case string:
		return sarama.StringEncoder(x)
	default:
		return sarama.StringEncoder(fmt.Sprint(x))
	}
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
