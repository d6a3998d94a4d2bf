// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	shimerrors "github.com/tombee/taskshim/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

const (
	// DefaultRuntimePath is the OCI runtime used when none is configured.
	DefaultRuntimePath = "/usr/sbin/runc"

	// DefaultSocketDir is the well-known directory holding shim sockets.
	DefaultSocketDir = "/run/shim"

	// DefaultShutdownTimeout bounds the graceful stop of the RPC server.
	DefaultShutdownTimeout = 10 * time.Second
)

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config represents the complete shim configuration.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Socket  SocketConfig  `yaml:"socket"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	// StateDir holds per-task scratch state: runtime pid files, the
	// lifecycle event log and, in detached mode, the shim log.
	// Environment: TASKSHIM_STATE_DIR
	// Default: <socket.dir>/state
	StateDir string `yaml:"state_dir,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for in-flight RPCs
	// when the shim stops. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// TaskID pins the task identity accepted by Create. Empty accepts any id.
	TaskID string `yaml:"task_id,omitempty"`
}

// RuntimeConfig configures the OCI runtime binary.
type RuntimeConfig struct {
	// Path is the runtime executable.
	// Environment: TASKSHIM_RUNTIME
	Path string `yaml:"path"`

	// Root is passed as the runtime's global --root flag when set.
	Root string `yaml:"root,omitempty"`

	// LogFormat is passed as --log-format when set (text, json).
	LogFormat string `yaml:"log_format,omitempty"`

	// Debug passes --debug to the runtime.
	Debug bool `yaml:"debug,omitempty"`
}

// SocketConfig configures where the RPC socket is allocated.
type SocketConfig struct {
	// Dir is the directory under which a unique socket name is generated.
	// Environment: TASKSHIM_SOCKET_DIR
	Dir string `yaml:"dir"`
}

// LogConfig configures shim logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source,omitempty"`

	// File receives the detached shim's stdout/stderr.
	// Default: <state_dir>/<task id>/shim.log
	File string `yaml:"file,omitempty"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	// Addr is a TCP address for the /metrics endpoint. Empty disables it.
	// Environment: TASKSHIM_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Exporter selects the span exporter: none, stdout or otlp.
	// Environment: TASKSHIM_TRACING_EXPORTER
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP gRPC collector address (e.g. "localhost:4317").
	// Environment: TASKSHIM_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the fraction of root spans sampled (0, 1]. Default: 1
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Path: DefaultRuntimePath,
		},
		Socket: SocketConfig{
			Dir: DefaultSocketDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:   ExporterNone,
			SampleRate: 1,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Load loads configuration from an optional YAML file and then from
// environment variables. Environment variables take precedence over
// file-based configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &shimerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &shimerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values left by a partial config file.
func (c *Config) applyDefaults() {
	if c.Runtime.Path == "" {
		c.Runtime.Path = DefaultRuntimePath
	}
	if c.Socket.Dir == "" {
		c.Socket.Dir = DefaultSocketDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = ExporterNone
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("TASKSHIM_RUNTIME"); val != "" {
		c.Runtime.Path = val
	}
	if val := os.Getenv("TASKSHIM_SOCKET_DIR"); val != "" {
		c.Socket.Dir = val
	}
	if val := os.Getenv("TASKSHIM_STATE_DIR"); val != "" {
		c.StateDir = val
	}
	if val := os.Getenv("TASKSHIM_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("TASKSHIM_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("TASKSHIM_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("TASKSHIM_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Runtime.Path == "" {
		errs = append(errs, "runtime.path is required")
	}
	if !filepath.IsAbs(c.Socket.Dir) {
		errs = append(errs, fmt.Sprintf("socket.dir must be absolute, got %q", c.Socket.Dir))
	}
	if c.StateDir != "" && !filepath.IsAbs(c.StateDir) {
		errs = append(errs, fmt.Sprintf("state_dir must be absolute, got %q", c.StateDir))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, "shutdown_timeout must not be negative")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Runtime.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("runtime.log_format must be json or text, got %q", c.Runtime.LogFormat))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be within (0, 1], got %v", c.Tracing.SampleRate))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint is required for the otlp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be none, stdout or otlp, got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// StateRoot returns the state directory, derived from the socket directory
// when not set explicitly.
func (c *Config) StateRoot() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.Socket.Dir, "state")
}

// TaskStateDir returns the per-task state directory.
func (c *Config) TaskStateDir(taskID string) string {
	if taskID == "" {
		taskID = "default"
	}
	return filepath.Join(c.StateRoot(), taskID)
}

// LifecycleLogPath returns the lifecycle event log for a task.
func (c *Config) LifecycleLogPath(taskID string) string {
	return filepath.Join(c.TaskStateDir(taskID), "lifecycle.log")
}

// LogFilePath returns the file receiving output of a detached shim.
func (c *Config) LogFilePath(taskID string) string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.TaskStateDir(taskID), "shim.log")
}
