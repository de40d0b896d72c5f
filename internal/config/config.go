// Package config loads worker settings. Values come from defaults, then an
// optional YAML file, then SHMREDUCE_* environment variables. Command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-shmreduce/internal/workspace"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHMREDUCE_"

// DefaultSegmentName is the shared-memory name used when none is configured.
const DefaultSegmentName = "allreduce_buffer"

var ErrInvalid = errors.New("config: invalid configuration")

// Config holds everything a worker needs to join a group and run.
type Config struct {
	Rank           int    `yaml:"rank" json:"rank" validate:"gte=0"`
	WorldSize      int    `yaml:"world_size" json:"world_size" validate:"gte=1"`
	SegmentName    string `yaml:"segment_name" json:"segment_name" validate:"required,excludesall=/"`
	RendezvousAddr string `yaml:"rendezvous_addr" json:"rendezvous_addr" validate:"required,hostname_port"`

	// LowLatency enables the shared-memory path for bf16 sums no larger than
	// MaxLowLatencyBytes.
	LowLatency         bool `yaml:"low_latency" json:"low_latency"`
	MaxLowLatencyBytes int  `yaml:"max_low_latency_bytes" json:"max_low_latency_bytes" validate:"gte=0"`
	// ReplaceStale removes a segment left behind by a crashed run before
	// rank 0 creates its own.
	ReplaceStale bool `yaml:"replace_stale" json:"replace_stale"`

	Elements         int `yaml:"elements" json:"elements" validate:"gte=1"`
	Iterations       int `yaml:"iterations" json:"iterations" validate:"gte=1"`
	WarmupIterations int `yaml:"warmup_iterations" json:"warmup_iterations" validate:"gte=0"`
	ReportEvery      int `yaml:"report_every" json:"report_every" validate:"gte=0"`

	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" validate:"omitempty,hostname_port"`
	LogLevel    string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	Tracing     bool   `yaml:"tracing" json:"tracing"`
	OutputPath  string `yaml:"output_path" json:"output_path"`
}

// Default returns a single-rank configuration.
func Default() Config {
	return Config{
		WorldSize:          1,
		SegmentName:        DefaultSegmentName,
		RendezvousAddr:     "127.0.0.1:29500",
		LowLatency:         true,
		MaxLowLatencyBytes: workspace.BufferCapacity,
		Elements:           workspace.ElementCapacity,
		Iterations:         1000,
		WarmupIterations:   10,
		LogLevel:           "info",
	}
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. It does not validate: callers layer flags on top and call
// Validate once. A missing file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SHMREDUCE_<FIELD> variables, where FIELD is
// the upper-cased YAML key.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"RANK":                  &c.Rank,
		"WORLD_SIZE":            &c.WorldSize,
		"MAX_LOW_LATENCY_BYTES": &c.MaxLowLatencyBytes,
		"ELEMENTS":              &c.Elements,
		"ITERATIONS":            &c.Iterations,
		"WARMUP_ITERATIONS":     &c.WarmupIterations,
		"REPORT_EVERY":          &c.ReportEvery,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"LOW_LATENCY":   &c.LowLatency,
		"REPLACE_STALE": &c.ReplaceStale,
		"TRACING":       &c.Tracing,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	strs := map[string]*string{
		"SEGMENT_NAME":    &c.SegmentName,
		"RENDEZVOUS_ADDR": &c.RendezvousAddr,
		"METRICS_ADDR":    &c.MetricsAddr,
		"LOG_LEVEL":       &c.LogLevel,
		"OUTPUT_PATH":     &c.OutputPath,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that Rank lies inside the group.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Rank >= c.WorldSize {
		return fmt.Errorf("%w: rank %d not below world_size %d", ErrInvalid, c.Rank, c.WorldSize)
	}
	return nil
}
