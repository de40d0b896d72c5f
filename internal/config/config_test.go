package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shmreduce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSegmentName, cfg.SegmentName)
	assert.True(t, cfg.LowLatency)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
rank: 1
world_size: 4
segment_name: job42
low_latency: false
iterations: 50
`)
	t.Setenv("SHMREDUCE_RANK", "3")
	t.Setenv("SHMREDUCE_LOW_LATENCY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Rank)
	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, "job42", cfg.SegmentName)
	assert.True(t, cfg.LowLatency)
	assert.Equal(t, 50, cfg.Iterations)
	assert.Equal(t, Default().Elements, cfg.Elements)
}

func TestLoad_DefersValidation(t *testing.T) {
	// rank 1 is only valid once a later layer raises world_size.
	t.Setenv("SHMREDUCE_RANK", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.WorldSize = 2
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "rank: [1,"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValue(t *testing.T) {
	env := map[string]string{"SHMREDUCE_WORLD_SIZE": "four"}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, "SHMREDUCE_WORLD_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rank not below world size", func(c *Config) { c.Rank = 1 }},
		{"negative rank", func(c *Config) { c.Rank = -1 }},
		{"zero world size", func(c *Config) { c.WorldSize = 0 }},
		{"empty segment", func(c *Config) { c.SegmentName = "" }},
		{"segment with slash", func(c *Config) { c.SegmentName = "a/b" }},
		{"bad rendezvous", func(c *Config) { c.RendezvousAddr = "nope" }},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "nope" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
