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

package start

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/taskshim/internal/commands/shared"
	"github.com/tombee/taskshim/internal/config"
	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/listener"
	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/rpc"
	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { shared.SetFlagsForTest(false, "", "", "") })
}

func testConfig(t *testing.T, taskID string) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "start")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Socket.Dir = dir
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Runtime.Path = "/bin/false"
	cfg.ShutdownTimeout = time.Second
	cfg.TaskID = taskID
	return cfg
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	resetFlags(t)
	t.Setenv("TASKSHIM_RUNTIME", "/from/env")
	shared.SetFlagsForTest(true, "", "/from/flag", "hello")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.Runtime.Path)
	assert.Equal(t, "hello", cfg.TaskID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Runtime.Debug)
}

func TestLoadConfig_EnvWithoutFlags(t *testing.T) {
	resetFlags(t)
	t.Setenv("TASKSHIM_RUNTIME", "/from/env")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Runtime.Path)
	assert.Empty(t, cfg.TaskID)
}

func TestLoadConfig_BadFile(t *testing.T) {
	resetFlags(t)
	shared.SetFlagsForTest(false, filepath.Join(t.TempDir(), "missing.yaml"), "", "")

	_, err := loadConfig()
	var cfgErr *shimerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestChildArgs(t *testing.T) {
	resetFlags(t)
	shared.SetFlagsForTest(true, "/etc/taskshim.yaml", "/usr/bin/runc", "hello")

	assert.Equal(t, []string{
		"--config", "/etc/taskshim.yaml",
		"--runtime", "/usr/bin/runc",
		"--id", "hello",
		"--verbose",
	}, childArgs())

	shared.SetFlagsForTest(false, "", "", "")
	assert.Empty(t, childArgs())
}

// runShim starts the foreground path and returns the printed address.
func runShim(t *testing.T, cfg *config.Config) (string, <-chan error, context.CancelFunc) {
	t.Helper()

	ln, path, err := listener.Listen(cfg.Socket.Dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- serveShim(ctx, cfg, ln, path, log.Discard()) }()

	address := listener.Address(path)
	_, err = lifecycle.NewHealthChecker(address).WaitUntilHealthy(ctx, 5*time.Second)
	require.NoError(t, err)
	return address, done, cancel
}

func TestServeShim_ShutdownRPC(t *testing.T) {
	cfg := testConfig(t, "hello")
	address, done, _ := runShim(t, cfg)

	client, err := rpc.Dial(address)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Create with a different id is rejected by the pinned id.
	_, err = client.Create(ctx, &rpc.CreateTaskRequest{ID: "other", Bundle: "/b"})
	var verr *shimerrors.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, client.Shutdown(ctx, "hello"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shim did not stop")
	}

	path, _ := listener.ParseAddress(address)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "socket should be removed")

	_, statErr = os.Stat(filepath.Join(cfg.TaskStateDir("hello"), shimPIDFile))
	assert.True(t, os.IsNotExist(statErr), "pid file should be released")

	events, err := lifecycle.ReadEvents(cfg.LifecycleLogPath("hello"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, lifecycle.EventStart, events[0].Event)
	assert.Equal(t, address, events[0].Address)
	assert.Equal(t, lifecycle.EventShutdown, events[1].Event)
	assert.Equal(t, "shutdown requested", events[1].Message)
}

func TestServeShim_ContextCancel(t *testing.T) {
	cfg := testConfig(t, "")
	_, done, cancel := runShim(t, cfg)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shim did not stop")
	}
}

func TestServeShim_DuplicateTaskRefused(t *testing.T) {
	cfg := testConfig(t, "hello")
	_, _, _ = runShim(t, cfg)

	ln, path, err := listener.Listen(cfg.Socket.Dir)
	require.NoError(t, err)

	err = serveShim(context.Background(), cfg, ln, path, log.Discard())
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitStartupFailed, exitErr.Code)
	assert.ErrorIs(t, err, lifecycle.ErrPIDFileLocked)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "refused shim should remove its socket")
}

func TestServeShim_MetricsBindFailure(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Metrics.Addr = "256.0.0.1:0"

	ln, path, err := listener.Listen(cfg.Socket.Dir)
	require.NoError(t, err)

	err = serveShim(context.Background(), cfg, ln, path, log.Discard())
	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitStartupFailed, exitErr.Code)
}

func TestRunForeground_PrintsAddress(t *testing.T) {
	cfg := testConfig(t, "")
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runForeground(ctx, cfg, &out) }()

	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(cfg.Socket.Dir)
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".sock") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	line := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(line, "unix://"+cfg.Socket.Dir+"/"), "got %q", line)
	assert.True(t, strings.HasSuffix(line, ".sock"))
}

func TestNewCommand_Flags(t *testing.T) {
	cmd := NewCommand()
	assert.NotNil(t, cmd.Flags().Lookup("detach"))

	serve := NewServeCommand()
	assert.True(t, serve.Hidden)
	assert.NotNil(t, serve.Flags().Lookup("socket"))
}
