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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tombee/taskshim/internal/commands/shared"
	"github.com/tombee/taskshim/internal/config"
	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/listener"
	"github.com/tombee/taskshim/internal/log"
)

// readyTimeout bounds how long start --detach waits for the child.
const readyTimeout = 10 * time.Second

// NewCommand creates the start command
func NewCommand() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the shim and print its address",
		Long: `Allocate a unique unix socket under the socket directory, print its
address as unix://<path> on stdout, and serve the task API.

In the foreground the command blocks until a Shutdown RPC succeeds. SIGINT,
SIGTERM and SIGQUIT are forwarded to a running task; with no task running
they stop the shim. With --detach the shim re-executes
itself in a new session with the socket inherited, waits until it answers
health checks, prints the address and exits.`,
		Example: `  # Serve in the foreground
  taskshim start --runtime /usr/bin/runc

  # Detach and pin the task id
  addr=$(taskshim --id hello start --detach)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return shared.NewStartupError("failed to load configuration", err)
			}
			if detach {
				return runDetached(cmd.Context(), cfg, cmd.OutOrStdout())
			}
			return runForeground(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run the shim in the background")

	return cmd
}

func runForeground(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := newLogger(cfg)

	ln, path, err := listener.Listen(cfg.Socket.Dir)
	if err != nil {
		return shared.NewStartupError("failed to bind socket", err)
	}

	fmt.Fprintln(out, listener.Address(path))

	return serveShim(ctx, cfg, ln, path, logger)
}

// runDetached binds the socket here so the address is known before the
// child starts, then hands the bound socket to a detached serve process.
func runDetached(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := newLogger(cfg)

	ln, path, err := listener.Listen(cfg.Socket.Dir)
	if err != nil {
		return shared.NewStartupError("failed to bind socket", err)
	}
	// The child owns the socket file from here on.
	ln.SetUnlinkOnClose(false)

	f, err := ln.File()
	ln.Close()
	if err != nil {
		listener.Remove(path)
		return shared.NewStartupError("failed to duplicate socket", err)
	}
	defer f.Close()

	self, err := os.Executable()
	if err != nil {
		listener.Remove(path)
		return shared.NewStartupError("failed to locate executable", err)
	}

	args := append(childArgs(), "serve", "--socket", path)
	logPath := cfg.LogFilePath(cfg.TaskID)

	pid, err := lifecycle.NewSpawner().SpawnDetached(self, args, f, logPath)
	if err != nil {
		listener.Remove(path)
		return shared.NewStartupError("failed to spawn shim", err)
	}

	address := listener.Address(path)
	attempts, err := lifecycle.NewHealthChecker(address).
		WithBackoff(50*time.Millisecond, time.Second, 2).
		WaitUntilHealthy(ctx, readyTimeout)
	if err != nil {
		logger.Error("detached shim did not become ready",
			"pid", pid,
			"log_file", logPath,
			log.Error(err))
		// SIGTERM makes the child stop serving and remove the socket.
		if sigErr := lifecycle.SendSignal(pid, unix.SIGTERM); sigErr != nil && !errors.Is(sigErr, lifecycle.ErrProcessNotRunning) {
			logger.Warn("failed to stop detached shim", "pid", pid, log.Error(sigErr))
		}
		return shared.NewStartupError(fmt.Sprintf("shim (pid %d) did not become ready; see %s", pid, logPath), err)
	}

	logger.Debug("detached shim ready", "pid", pid, "attempts", attempts)
	fmt.Fprintln(out, address)
	return nil
}
