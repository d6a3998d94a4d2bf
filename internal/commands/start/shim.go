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
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/taskshim/internal/commands/shared"
	"github.com/tombee/taskshim/internal/config"
	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/listener"
	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/metrics"
	"github.com/tombee/taskshim/internal/reaper"
	"github.com/tombee/taskshim/internal/rpc"
	"github.com/tombee/taskshim/internal/runtime"
	"github.com/tombee/taskshim/internal/task"
	"github.com/tombee/taskshim/internal/tracing"
)

const shimPIDFile = "shim.pid"

// serveShim runs the task service on ln until a Shutdown RPC succeeds or
// a termination signal arrives while no task is running. Signals that
// arrive while the task runs are forwarded to it instead. The socket at
// socketPath is removed before returning.
func serveShim(ctx context.Context, cfg *config.Config, ln *net.UnixListener, socketPath string, logger *slog.Logger) error {
	defer func() {
		if err := listener.Remove(socketPath); err != nil {
			logger.Warn("failed to remove socket", "path", socketPath, log.Error(err))
		}
	}()

	version, _, _ := shared.GetVersion()
	address := listener.Address(socketPath)

	var events *lifecycle.LifecycleLogger
	if cfg.TaskID != "" {
		pf, err := lifecycle.AcquirePIDFile(filepath.Join(cfg.TaskStateDir(cfg.TaskID), shimPIDFile), os.Getpid())
		if err != nil {
			ln.Close()
			if errors.Is(err, lifecycle.ErrPIDFileLocked) {
				return shared.NewStartupError(fmt.Sprintf("another shim is already serving task %s", cfg.TaskID), err)
			}
			return shared.NewStartupError("failed to write shim pid file", err)
		}
		defer pf.Release()

		events = lifecycle.NewLifecycleLogger(cfg.LifecycleLogPath(cfg.TaskID))
	}

	if err := reaper.SetSubreaper(); err != nil {
		logger.Warn("failed to become child subreaper; container exits may be reported as unknown", log.Error(err))
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version, os.Stderr)
	if err != nil {
		ln.Close()
		events.LogStartFailure(cfg.TaskID, err)
		return shared.NewStartupError("failed to set up tracing", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", log.Error(err))
		}
	}()

	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			ln.Close()
			events.LogStartFailure(cfg.TaskID, err)
			return shared.NewStartupError("failed to bind metrics address", err)
		}
	}

	reap := reaper.New(logger)
	manager := task.NewManager(task.Options{
		Runtime: runtime.New(cfg.Runtime, cfg.StateRoot(), logger).WithExecutor(reap),
		Monitor: reap,
		TaskID:  cfg.TaskID,
		Logger:  logger,
		Events:  events,
	})
	server := rpc.NewServer(manager, &rpc.ServerConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, relayedSignals...)
	defer signal.Stop(sigs)

	// Cancelled when the RPC server stops so the other loops follow.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var interrupted atomic.Bool
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stopRun()
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		return reap.Run(gctx)
	})
	g.Go(func() error {
		relaySignals(gctx, sigs, manager, func() {
			interrupted.Store(true)
			stopRun()
		}, logger)
		return nil
	})
	if metricsLn != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, metricsLn)
		})
		logger.Info("metrics listening", "address", metricsLn.Addr().String())
	}

	if err := events.LogStart(cfg.TaskID, os.Getpid(), address, version); err != nil {
		logger.Warn("failed to write lifecycle event", log.Error(err))
	}
	logger.Info("taskshim serving",
		"address", address,
		"version", version,
		"runtime", cfg.Runtime.Path,
		slog.String(log.TaskIDKey, cfg.TaskID))

	err = g.Wait()

	reason := "shutdown requested"
	if interrupted.Load() || ctx.Err() != nil {
		reason = "interrupted"
	}
	if logErr := events.LogShutdown(cfg.TaskID, reason); logErr != nil {
		logger.Warn("failed to write lifecycle event", log.Error(logErr))
	}

	if err != nil {
		return shared.NewShutdownError("shim stopped with error", err)
	}
	logger.Info("taskshim stopped", "reason", reason)
	return nil
}
