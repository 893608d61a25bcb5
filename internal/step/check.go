package step

import (
	"fmt"
	"sort"

	"kafkarows/internal/row"
	"kafkarows/source/kafka"
)

type Level int

const (
	OK Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case OK:
		return "ok"
	case Warning:
		return "warning"
	default:
		return "error"
	}
}

// Remark is one finding of Check.
type Remark struct {
	Level Level
	Text  string
}

func (r Remark) String() string { return r.Level.String() + ": " + r.Text }

// Check validates a step configuration against the incoming row layout
// without connecting. Placeholders are resolved from lookup (nil uses the
// process environment).
func Check(cfg kafka.Config, input row.Meta, lookup func(string) (string, bool)) []Remark {
	var out []Remark
	add := func(l Level, format string, args ...any) {
		out = append(out, Remark{Level: l, Text: fmt.Sprintf(format, args...)})
	}

	if cfg.Topic == "" {
		add(Error, "topic name is required")
	}
	if cfg.Field == "" {
		add(Error, "output field name for the message value is required")
	} else if input.Index(cfg.Field) >= 0 {
		add(Error, "output field %q already exists in the input rows", cfg.Field)
	}
	if cfg.KeyField == "" {
		add(Error, "output field name for the message key is required")
	} else if input.Index(cfg.KeyField) >= 0 {
		add(Error, "output field %q already exists in the input rows", cfg.KeyField)
	}
	if cfg.Field != "" && cfg.Field == cfg.KeyField {
		add(Error, "value and key fields must differ, both are %q", cfg.Field)
	}

	res, err := cfg.Resolve(lookup)
	if err != nil {
		add(Error, "%v", err)
		return out
	}
	if _, err := kafka.ParseProperties(res.Properties); err != nil {
		add(Error, "%v", err)
	}
	known := kafka.PropertyNames()
	keys := make([]string, 0, len(res.Properties))
	for k := range res.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if i := sort.SearchStrings(known, k); i == len(known) || known[i] != k {
			add(Warning, "unknown consumer property %q is ignored", k)
		}
	}
	if _, ok := res.Properties[kafka.PropConsumerTimeout]; ok && !res.StopOnEmpty {
		add(Warning, "%s is set but stop_on_empty is off, an idle topic will fail the cycle", kafka.PropConsumerTimeout)
	}

	if len(out) == 0 {
		add(OK, "step configuration is valid")
	}
	return out
}

// HasErrors reports whether any remark is an error.
func HasErrors(rs []Remark) bool {
	for _, r := range rs {
		if r.Level == Error {
			return true
		}
	}
	return false
}
