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

package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/taskshim/internal/config"
	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/metrics"
	"github.com/tombee/taskshim/internal/tracing"
	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

const (
	pidFileName   = "container.pid"
	createLogName = "create.log"

	// maxOutput bounds the diagnostic text carried in a RuntimeError.
	maxOutput = 4096
)

// Runc invokes a runc-compatible binary.
type Runc struct {
	// Path is the runtime executable
	Path string

	// Root, LogFormat and Debug map to the runtime's global flags
	Root      string
	LogFormat string
	Debug     bool

	// StateDir holds per-container pid files and create logs
	StateDir string

	executor Executor
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an invoker from configuration. stateDir is the shim's state
// root; per-container files live in stateDir/<id>.
func New(cfg config.RuntimeConfig, stateDir string, logger *slog.Logger) *Runc {
	if logger == nil {
		logger = log.Discard()
	}
	return &Runc{
		Path:      cfg.Path,
		Root:      cfg.Root,
		LogFormat: cfg.LogFormat,
		Debug:     cfg.Debug,
		StateDir:  stateDir,
		executor:  directExecutor{},
		logger:    log.WithComponent(logger, "runtime"),
		tracer:    tracing.Tracer("github.com/tombee/taskshim/internal/runtime"),
	}
}

// WithExecutor runs runtime commands through e, typically the shim's
// reaper, instead of waiting on them with os/exec.
func (r *Runc) WithExecutor(e Executor) *Runc {
	r.executor = e
	return r
}

// Create runs "create" with the container's stdio redirected to the
// requested files and reads the init pid back from the runtime's pid file.
// A container whose pid cannot be read is force-deleted before returning.
func (r *Runc) Create(ctx context.Context, opts CreateOpts) (int, error) {
	dir := filepath.Join(r.StateDir, opts.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, &shimerrors.IOError{TaskID: opts.ID, Operation: ActionCreate, Path: dir, Cause: err}
	}

	pidFile := filepath.Join(dir, pidFileName)
	logFile := filepath.Join(dir, createLogName)
	os.Remove(pidFile)
	os.Remove(logFile)

	stdout, err := openOutput(opts.ID, opts.Stdout)
	if err != nil {
		return 0, err
	}
	if stdout != nil {
		defer stdout.Close()
	}
	stderr, err := openOutput(opts.ID, opts.Stderr)
	if err != nil {
		return 0, err
	}
	if stderr != nil {
		defer stderr.Close()
	}

	args := r.args("--log", logFile)
	args = append(args, ActionCreate, "--bundle", opts.Bundle, "--pid-file", pidFile, opts.ID)

	err = r.invoke(ctx, ActionCreate, opts.ID, func(cmd *exec.Cmd) ([]byte, int, error) {
		// stdin stays nil: exec connects it to the null device.
		if stdout != nil {
			cmd.Stdout = stdout
		}
		if stderr != nil {
			cmd.Stderr = stderr
		}
		code, runErr := r.executor.Exec(cmd)
		if runErr == nil && code == 0 {
			return nil, 0, nil
		}
		out, _ := os.ReadFile(logFile)
		return out, code, runErr
	}, args...)
	if err != nil {
		return 0, err
	}

	pid, err := lifecycle.ReadPID(pidFile)
	if err != nil {
		r.logger.Warn("runtime created container without a readable pid, deleting",
			slog.String(log.TaskIDKey, opts.ID),
			log.Error(err))
		if delErr := r.Delete(context.WithoutCancel(ctx), opts.ID, true); delErr != nil {
			r.logger.Error("failed to clean up container after create",
				slog.String(log.TaskIDKey, opts.ID),
				log.Error(delErr))
		}
		return 0, &shimerrors.RuntimeError{
			Action:   ActionCreate,
			ExitCode: 0,
			Output:   fmt.Sprintf("reading pid file: %v", err),
			Cause:    err,
		}
	}

	return pid, nil
}

// Start runs "start".
func (r *Runc) Start(ctx context.Context, id string) error {
	return r.invoke(ctx, ActionStart, id, r.combinedOutput, r.args(ActionStart, id)...)
}

// Kill runs "kill" with the numeric signal.
func (r *Runc) Kill(ctx context.Context, id string, signal uint32) error {
	return r.invoke(ctx, ActionKill, id, r.combinedOutput,
		r.args(ActionKill, id, strconv.FormatUint(uint64(signal), 10))...)
}

// Delete runs "delete", adding --force when requested.
func (r *Runc) Delete(ctx context.Context, id string, force bool) error {
	args := []string{ActionDelete}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)
	return r.invoke(ctx, ActionDelete, id, r.combinedOutput, r.args(args...)...)
}

// args prefixes the global flags.
func (r *Runc) args(action ...string) []string {
	var out []string
	if r.Root != "" {
		out = append(out, "--root", r.Root)
	}
	if r.LogFormat != "" {
		out = append(out, "--log-format", r.LogFormat)
	}
	if r.Debug {
		out = append(out, "--debug")
	}
	return append(out, action...)
}

// runFunc runs cmd and returns its diagnostic output and exit status.
type runFunc func(*exec.Cmd) ([]byte, int, error)

func (r *Runc) combinedOutput(cmd *exec.Cmd) ([]byte, int, error) {
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	code, err := r.executor.Exec(cmd)
	return buf.Bytes(), code, err
}

// invoke runs the runtime once and converts failure into a RuntimeError.
// The context only scopes tracing: a runtime action is never killed midway.
func (r *Runc) invoke(ctx context.Context, action, id string, run runFunc, args ...string) error {
	ctx, span := r.tracer.Start(ctx, "runtime."+action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("runtime.path", r.Path),
			attribute.String("task.id", id),
		))
	defer span.End()

	logger := r.logger.With(
		slog.String(log.TaskIDKey, id),
		slog.String("action", action))
	logger.DebugContext(ctx, "invoking runtime", slog.Any("args", args))

	start := time.Now()
	cmd := exec.Command(r.Path, args...)
	out, code, err := run(cmd)
	elapsed := time.Since(start)

	if err == nil && code == 0 {
		metrics.RecordRuntimeInvocation(action, "ok", elapsed)
		logger.DebugContext(ctx, "runtime succeeded",
			slog.Int64(log.DurationKey, elapsed.Milliseconds()))
		if len(out) > 0 {
			log.Trace(logger, "runtime output", slog.String("output", trimOutput(out)))
		}
		return nil
	}

	rerr := &shimerrors.RuntimeError{
		Action:   action,
		ExitCode: code,
		Output:   trimOutput(out),
		Cause:    err,
	}
	if err != nil {
		rerr.ExitCode = -1
	} else {
		rerr.Cause = fmt.Errorf("exit status %d", code)
	}

	metrics.RecordRuntimeInvocation(action, "error", elapsed)
	span.RecordError(rerr)
	span.SetStatus(codes.Error, rerr.Error())
	span.SetAttributes(attribute.Int("runtime.exit_code", rerr.ExitCode))
	logger.WarnContext(ctx, "runtime failed",
		slog.Int("exit_code", rerr.ExitCode),
		slog.String("output", rerr.Output),
		slog.Int64(log.DurationKey, elapsed.Milliseconds()))

	return rerr
}

// openOutput opens a stdio redirection target for appending.
func openOutput(id, path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &shimerrors.IOError{TaskID: id, Operation: ActionCreate, Path: path, Cause: err}
	}
	return f, nil
}

func trimOutput(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return strings.ToValidUTF8(string(out), "")
}
