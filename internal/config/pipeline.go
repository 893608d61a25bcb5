package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"kafkarows/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates it, and returns the
// parsed spec and an absolute path to the source config (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if err := validate(&cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return cfg, confPath, nil
}

var inputTypes = map[string]bool{"": true, "string": true, "integer": true, "binary": true}

func validate(cfg *spec.File) error {
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "kafka"
	}
	if cfg.Source.Kind != "kafka" {
		return fmt.Errorf("unsupported source %q", cfg.Source.Kind)
	}
	switch strings.ToLower(cfg.ErrorHandling) {
	case "", "stop":
		if cfg.ErrorSink != "" {
			return fmt.Errorf("error_sink %q set but error_handling is stop", cfg.ErrorSink)
		}
	case "row", "record":
		if cfg.ErrorSink == "" {
			return fmt.Errorf("error_handling %q needs an error_sink", cfg.ErrorHandling)
		}
	default:
		return fmt.Errorf("unknown error_handling %q", cfg.ErrorHandling)
	}
	for _, f := range cfg.Input.Fields {
		if f.Name == "" {
			return fmt.Errorf("input field without a name")
		}
		if !inputTypes[strings.ToLower(f.Type)] {
			return fmt.Errorf("input field %s: unknown type %q", f.Name, f.Type)
		}
	}
	for i, r := range cfg.Input.Rows {
		if len(r) != len(cfg.Input.Fields) {
			return fmt.Errorf("input row %d has %d values, want %d", i, len(r), len(cfg.Input.Fields))
		}
	}
	return nil
}
