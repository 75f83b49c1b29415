// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"perftrace-mcp/internal/analyzer"
)

// Config is the top-level server configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig selects the zap log level and encoder preset.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AnalysisConfig controls which events feed the analyses and how many files
// are analyzed at once.
type AnalysisConfig struct {
	SampleEvents        []string `yaml:"sample_events"`
	ContextSwitchEvents []string `yaml:"context_switch_events"`
	Parallelism         int      `yaml:"parallelism"`
}

// ServerConfig is the name and version announced to MCP clients.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	opts := analyzer.DefaultOptions()
	return Config{
		Log: LogConfig{Level: "info"},
		Analysis: AnalysisConfig{
			SampleEvents:        opts.SampleEvents,
			ContextSwitchEvents: opts.ContextSwitchEvents,
			Parallelism:         opts.Parallelism,
		},
		Server: ServerConfig{
			Name:    "perftrace-analyzer",
			Version: "1.0.0",
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the analyzer cannot run with.
func (c Config) Validate() error {
	if len(c.Analysis.SampleEvents) == 0 {
		return errors.New("analysis.sample_events must not be empty")
	}
	if c.Analysis.Parallelism < 1 {
		return fmt.Errorf("analysis.parallelism must be at least 1, got %d", c.Analysis.Parallelism)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ZapConfig builds the zap configuration for the log settings. Output goes to
// stderr since stdout carries the MCP protocol.
func (c LogConfig) ZapConfig() (zap.Config, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zap.Config{}, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc, nil
}

// AnalyzerOptions converts the analysis settings into analyzer options.
func (c AnalysisConfig) AnalyzerOptions() analyzer.Options {
	opts := analyzer.DefaultOptions()
	opts.SampleEvents = c.SampleEvents
	opts.ContextSwitchEvents = c.ContextSwitchEvents
	opts.Parallelism = c.Parallelism
	return opts
}
