package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kafkarows/internal/config"
	"kafkarows/internal/row"
	"kafkarows/internal/spec"
	"kafkarows/internal/step"
	"kafkarows/sink"
	kafkasink "kafkarows/sink/kafka"
	"kafkarows/sink/stdout"
)

// StepName names the consumer step in logs and row origins.
const StepName = "kafka-consumer"

func Compile(path string) (*Runner, error) {
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	kc, err := config.LoadKafkaConfig(confPath, cfg.Source.Driver)
	if err != nil {
		return nil, err
	}
	mode, err := step.ParseErrorMode(cfg.ErrorHandling)
	if err != nil {
		return nil, err
	}

	r := NewRunner(step.New(StepName, kc, step.WithErrorMode(mode)))

	meta, rows, err := buildInput(cfg)
	if err != nil {
		return nil, err
	}
	r.SetInput(meta, rows)

	built := map[string]sink.Adapter{}
	for _, name := range cfg.Sinks {
		s, err := buildSink(name, cfg)
		if err != nil {
			return nil, err
		}
		built[name] = s
		r.AddSink(name, s)
	}
	if name := cfg.ErrorSink; name != "" {
		s, ok := built[name]
		if !ok {
			if s, err = buildSink(name, cfg); err != nil {
				return nil, err
			}
		}
		r.SetErrorSink(name, s)
	}
	return r, nil
}

func buildSink(name string, cfg spec.File) (sink.Adapter, error) {
	sDrv, err := sink.NewAdapter(name)
	if err != nil {
		return nil, err
	}
	node, hasBlock := cfg.SinkConfigs[name]

	switch name {
	case "stdout":
		delay := time.Duration(cfg.Debug.PerRowDelayMS) * time.Millisecond
		sc := stdout.Config{
			DelayMS:       int(delay / time.Millisecond),
			PrintCounter:  cfg.Debug.PrintCounter,
			BatchSize:     cfg.Debug.FlushBatch,
			FlushMS:       cfg.Debug.FlushMS,
			ValueMaxBytes: cfg.Debug.ValueMaxBytes,
		}
		if hasBlock {
			err = node.Decode(&sc)
		}
		if err == nil {
			err = sDrv.Configure(sc)
		}

	case "kafka":
		if !hasBlock {
			return nil, fmt.Errorf("no config block for sink %q", name)
		}
		var kc kafkasink.Config
		if err = node.Decode(&kc); err == nil {
			err = sDrv.Configure(kc)
		}

	default:
		err = fmt.Errorf("no config block for sink %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", name, err)
	}
	return sDrv, nil
}

func buildInput(cfg spec.File) (row.Meta, []row.Row, error) {
	var meta row.Meta
	for _, f := range cfg.Input.Fields {
		if err := meta.Add(row.Field{Name: f.Name, Type: inputType(f.Type), Origin: "input"}); err != nil {
			return meta, nil, err
		}
	}
	rows := make([]row.Row, 0, len(cfg.Input.Rows))
	for i, raw := range cfg.Input.Rows {
		r := make(row.Row, len(raw))
		for j, v := range raw {
			cv, err := convert(v, meta.Fields[j].Type)
			if err != nil {
				return meta, nil, fmt.Errorf("input row %d, field %s: %w", i, meta.Fields[j].Name, err)
			}
			r[j] = cv
		}
		rows = append(rows, r)
	}
	return meta, rows, nil
}

func inputType(s string) row.Type {
	switch strings.ToLower(s) {
	case "integer":
		return row.Integer
	case "binary":
		return row.Binary
	default:
		return row.String
	}
}

func convert(v any, t row.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case row.Integer:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	case row.Binary:
		return []byte(fmt.Sprint(v)), nil
	default:
		return fmt.Sprint(v), nil
	}
}
