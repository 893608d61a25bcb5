package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "KAFKAROWS_KAFKA__"

	DefaultDriver   = "sarama"
	DefaultField    = "message"
	DefaultKeyField = "key"

	// DefaultIdleTimeout is applied as consumer.timeout.ms when the step
	// stops on an empty topic and no explicit value was given.
	DefaultIdleTimeout = "1000"
)

// Config is the step configuration: where to read, how to name the output
// fields and when a cycle stops. Limit and Timeout stay strings so that
// ${VAR} placeholders survive until the step resolves them.
type Config struct {
	Driver      string `koanf:"driver"`
	Topic       string `koanf:"topic"`
	Partition   int32  `koanf:"partition"`
	Field       string `koanf:"field"`
	KeyField    string `koanf:"key_field"`
	Limit       string `koanf:"limit"`   // max messages per cycle, "" or 0 = unlimited
	Timeout     string `koanf:"timeout"` // ms per cycle, "" or 0 = unlimited
	StopOnEmpty bool   `koanf:"stop_on_empty"`

	Properties map[string]string `koanf:"-"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KAFKAROWS_KAFKA__`, `__` separates nested keys).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	// property names contain dots, so read them back flattened
	cfg.Properties = map[string]string{}
	for name, v := range k.Cut("properties").All() {
		cfg.Properties[name] = fmt.Sprint(v)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

// ApplyDefaults fills the driver, output field names and group.id.
func ApplyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.Field == "" {
		c.Field = DefaultField
	}
	if c.KeyField == "" {
		c.KeyField = DefaultKeyField
	}
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	if _, ok := c.Properties[PropGroupID]; !ok {
		c.Properties[PropGroupID] = DefaultGroupID
	}
}

// ---------------------------------------------------------------------------
// resolution
// ---------------------------------------------------------------------------

// Resolved is a Config after placeholder substitution and parsing.
type Resolved struct {
	Config
	MaxMessages int64
	MaxDuration time.Duration
}

// Resolve substitutes ${VAR} placeholders from lookup and parses the bounds.
// A nil lookup uses the process environment.
func (c Config) Resolve(lookup func(string) (string, bool)) (Resolved, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := Resolved{Config: c}
	out.Topic = Substitute(c.Topic, lookup)
	out.Field = Substitute(c.Field, lookup)
	out.KeyField = Substitute(c.KeyField, lookup)
	out.Properties = make(map[string]string, len(c.Properties))
	for k, v := range c.Properties {
		out.Properties[k] = Substitute(v, lookup)
	}

	limit, err := parseBound(Substitute(c.Limit, lookup))
	if err != nil {
		return Resolved{}, &ConfigError{Key: "limit", Err: fmt.Errorf("unable to parse messages limit: %w", err)}
	}
	timeout, err := parseBound(Substitute(c.Timeout, lookup))
	if err != nil {
		return Resolved{}, &ConfigError{Key: "timeout", Err: fmt.Errorf("unable to parse step timeout: %w", err)}
	}
	out.MaxMessages = limit
	out.MaxDuration = time.Duration(timeout) * time.Millisecond
	return out, nil
}

func parseBound(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Substitute expands ${NAME} and $NAME placeholders. Unknown names are left
// in place so a missing variable is visible downstream.
func Substitute(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := lookup(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}
