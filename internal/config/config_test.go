package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, []string{"cpu-clock"}, cfg.Analysis.SampleEvents)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  development: true
analysis:
  sample_events: [cpu-clock, cycles]
  parallelism: 8
server:
  name: traces
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, []string{"cpu-clock", "cycles"}, cfg.Analysis.SampleEvents)
	assert.Equal(t, 8, cfg.Analysis.Parallelism)
	// Unset keys keep their defaults.
	assert.Equal(t, []string{"context-switches", "cs"}, cfg.Analysis.ContextSwitchEvents)
	assert.Equal(t, "traces", cfg.Server.Name)
	assert.Equal(t, "1.0.0", cfg.Server.Version)

	opts := cfg.Analysis.AnalyzerOptions()
	assert.Equal(t, cfg.Analysis.SampleEvents, opts.SampleEvents)
	assert.Equal(t, 8, opts.Parallelism)
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"syntax":         "log: [",
		"no samples":     "analysis:\n  sample_events: []\n",
		"no parallelism": "analysis:\n  parallelism: 0\n",
		"bad level":      "log:\n  level: loud\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestZapConfig(t *testing.T) {
	zc, err := LogConfig{Level: "warn"}.ZapConfig()
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, zc.Level.Level())
	assert.Equal(t, []string{"stderr"}, zc.OutputPaths)
	assert.Equal(t, "json", zc.Encoding)

	zc, err = LogConfig{Level: "debug", Development: true}.ZapConfig()
	require.NoError(t, err)
	assert.True(t, zc.Development)
	assert.Equal(t, "console", zc.Encoding)

	_, err = LogConfig{Level: "loud"}.ZapConfig()
	assert.Error(t, err)
}
