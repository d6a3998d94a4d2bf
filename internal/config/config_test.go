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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TASKSHIM_RUNTIME", "TASKSHIM_SOCKET_DIR", "TASKSHIM_STATE_DIR",
		"TASKSHIM_SHUTDOWN_TIMEOUT", "TASKSHIM_METRICS_ADDR",
		"TASKSHIM_TRACING_EXPORTER", "TASKSHIM_TRACING_ENDPOINT",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultRuntimePath, cfg.Runtime.Path)
	assert.Equal(t, DefaultSocketDir, cfg.Socket.Dir)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, ExporterNone, cfg.Tracing.Exporter)
	assert.Equal(t, "/run/shim/state", cfg.StateRoot())
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "shim.yaml")
	content := `
runtime:
  path: /usr/local/bin/crun
  root: /run/crun
  log_format: json
socket:
  dir: /run/test-shim
state_dir: /var/lib/test-shim
shutdown_timeout: 3s
log:
  level: debug
  format: text
metrics:
  addr: 127.0.0.1:9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/crun", cfg.Runtime.Path)
	assert.Equal(t, "/run/crun", cfg.Runtime.Root)
	assert.Equal(t, "json", cfg.Runtime.LogFormat)
	assert.Equal(t, "/run/test-shim", cfg.Socket.Dir)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.Equal(t, "/var/lib/test-shim/hello", cfg.TaskStateDir("hello"))
	assert.Equal(t, "/var/lib/test-shim/hello/lifecycle.log", cfg.LifecycleLogPath("hello"))
	assert.Equal(t, "/var/lib/test-shim/hello/shim.log", cfg.LogFilePath("hello"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "shim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  path: /from/file\n"), 0600))

	t.Setenv("TASKSHIM_RUNTIME", "/from/env")
	t.Setenv("TASKSHIM_SOCKET_DIR", "/run/env-shim")
	t.Setenv("TASKSHIM_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.Runtime.Path)
	assert.Equal(t, "/run/env-shim", cfg.Socket.Dir)
	assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var cfgErr *shimerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "empty runtime", mutate: func(c *Config) { c.Runtime.Path = "" }, wantErr: true},
		{name: "relative socket dir", mutate: func(c *Config) { c.Socket.Dir = "run/shim" }, wantErr: true},
		{name: "relative state dir", mutate: func(c *Config) { c.StateDir = "state" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
		{name: "bad runtime log format", mutate: func(c *Config) { c.Runtime.LogFormat = "yaml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Tracing.Exporter = ExporterOTLP }, wantErr: true},
		{
			name: "otlp with endpoint",
			mutate: func(c *Config) {
				c.Tracing.Exporter = ExporterOTLP
				c.Tracing.Endpoint = "localhost:4317"
			},
		},
		{name: "unknown exporter", mutate: func(c *Config) { c.Tracing.Exporter = "zipkin" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogFilePath_Explicit(t *testing.T) {
	cfg := Default()
	cfg.Log.File = "/var/log/shim.log"
	assert.Equal(t, "/var/log/shim.log", cfg.LogFilePath("hello"))
	assert.Equal(t, "/run/shim/state/default", cfg.TaskStateDir(""))
}
