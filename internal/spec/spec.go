package spec

import "gopkg.in/yaml.v3"

type debugSection struct {
	PerRowDelayMS int  `yaml:"per_row_delay_ms"`
	PrintCounter  bool `yaml:"print_counter"`
	FlushBatch    int  `yaml:"flush_batch_size"`
	FlushMS       int  `yaml:"flush_ms"`
	ValueMaxBytes int  `yaml:"value_max_bytes"`
}

// InputField declares one column of the static input rows.
type InputField struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // string, integer, binary
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`   // "kafka"
		Driver string `yaml:"driver"` // overrides the driver in the source config
		Config string `yaml:"config"`
	} `yaml:"source"`

	// Rows fed into the step, one drain cycle each. Empty means one cycle.
	Input struct {
		Fields []InputField `yaml:"fields"`
		Rows   [][]any      `yaml:"rows"`
	} `yaml:"input"`

	ErrorHandling string `yaml:"error_handling"` // stop, row, record

	Sinks     []string `yaml:"sinks"`
	ErrorSink string   `yaml:"error_sink"`

	// Driver-specific blocks, decoded by the compiler.
	SinkConfigs map[string]yaml.Node `yaml:"sink_configs"`
	Debug       debugSection         `yaml:"debug"`
}
