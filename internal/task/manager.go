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

package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/metrics"
	"github.com/tombee/taskshim/internal/reaper"
	"github.com/tombee/taskshim/internal/runtime"
	"github.com/tombee/taskshim/internal/tracing"
	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

// Operation names used in errors, logs and spans.
const (
	OpCreate   = "create"
	OpStart    = "start"
	OpKill     = "kill"
	OpWait     = "wait"
	OpDelete   = "delete"
	OpShutdown = "shutdown"
)

// MaxSignal is the highest signal number Kill accepts.
const MaxSignal = 64

// ExitMonitor supervises a pid and delivers its exit once.
type ExitMonitor interface {
	Monitor(pid int) <-chan reaper.Exit
}

// CreateRequest describes the task to create.
type CreateRequest struct {
	ID     string
	Bundle string
	Stdout string
	Stderr string
}

// Status is a snapshot of the task.
type Status struct {
	ID         string
	Bundle     string
	Stdout     string
	Stderr     string
	Pid        int
	State      State
	Exited     bool
	ExitStatus uint32
	ExitedAt   time.Time
}

// Options configures a Manager.
type Options struct {
	Runtime runtime.Runtime
	Monitor ExitMonitor

	// TaskID, when set, is the only id Create accepts.
	TaskID string

	Logger *slog.Logger

	// Events receives lifecycle events; nil disables them.
	Events *lifecycle.LifecycleLogger
}

// Manager is the task state machine.
type Manager struct {
	rt      runtime.Runtime
	monitor ExitMonitor
	pinned  string
	logger  *slog.Logger
	events  *lifecycle.LifecycleLogger
	tracer  trace.Tracer

	// opMu serializes mutating operations.
	opMu sync.Mutex

	// mu guards task. Never held across a runtime call or a blocking wait.
	mu   sync.Mutex
	task Status

	registry *Registry

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewManager creates a manager with no task.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{
		rt:       opts.Runtime,
		monitor:  opts.Monitor,
		pinned:   opts.TaskID,
		logger:   log.WithComponent(logger, "task"),
		events:   opts.Events,
		tracer:   tracing.Tracer("github.com/tombee/taskshim/internal/task"),
		registry: NewRegistry(),
		done:     make(chan struct{}),
	}
}

// Create materializes the task through the runtime. Valid only before any
// task exists.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (pid int, err error) {
	ctx, span := m.startSpan(ctx, OpCreate, req.ID)
	defer func() { endSpan(span, err) }()

	if req.ID == "" {
		return 0, &shimerrors.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if req.Bundle == "" {
		return 0, &shimerrors.ValidationError{Field: "bundle", Message: "must not be empty"}
	}
	if m.pinned != "" && req.ID != m.pinned {
		return 0, &shimerrors.ValidationError{Field: "id", Message: "shim serves task " + m.pinned}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	current := m.task
	m.mu.Unlock()

	switch current.State {
	case StateUncreated:
	case StateDeleted:
		return 0, &shimerrors.NotFoundError{TaskID: req.ID, Operation: OpCreate}
	default:
		return 0, &shimerrors.AlreadyExistsError{TaskID: req.ID, Existing: current.ID}
	}

	pid, err = m.rt.Create(ctx, runtime.CreateOpts{
		ID:     req.ID,
		Bundle: req.Bundle,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil {
		return 0, annotate(err, req.ID, OpCreate)
	}

	m.mu.Lock()
	m.task = Status{
		ID:     req.ID,
		Bundle: req.Bundle,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
		Pid:    pid,
		State:  StateCreated,
	}
	m.mu.Unlock()

	metrics.RecordTransition(StateCreated.String())
	m.logEvent(m.events.LogTaskCreate(req.ID, pid))
	log.WithTask(m.logger, req.ID).InfoContext(ctx, "task created",
		slog.String(log.OperationKey, OpCreate),
		slog.Int(log.PIDKey, pid),
		slog.String("bundle", req.Bundle))
	return pid, nil
}

// Start runs the created task's user process and begins supervising its
// init pid.
func (m *Manager) Start(ctx context.Context, id string) (pid int, err error) {
	ctx, span := m.startSpan(ctx, OpStart, id)
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.lookup(id, OpStart, StateCreated)
	if err != nil {
		return 0, err
	}

	if err := m.rt.Start(ctx, id); err != nil {
		return 0, annotate(err, id, OpStart)
	}

	exits := m.monitor.Monitor(current.Pid)

	m.mu.Lock()
	m.task.State = StateRunning
	m.mu.Unlock()

	go m.supervise(id, current.Pid, exits)

	metrics.RecordTransition(StateRunning.String())
	log.WithTask(m.logger, id).InfoContext(ctx, "task started",
		slog.String(log.OperationKey, OpStart),
		slog.Int(log.PIDKey, current.Pid))
	return current.Pid, nil
}

// Kill forwards signal to the running task. The state is left alone: the
// task becomes stopped only once its exit is observed.
func (m *Manager) Kill(ctx context.Context, id string, signal uint32) (err error) {
	ctx, span := m.startSpan(ctx, OpKill, id)
	span.SetAttributes(attribute.Int64("signal", int64(signal)))
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.lookup(id, OpKill, StateRunning); err != nil {
		return err
	}
	if signal == 0 || signal > MaxSignal {
		return &shimerrors.ValidationError{Field: "signal", Message: "must be between 1 and 64"}
	}

	if err := m.rt.Kill(ctx, id, signal); err != nil {
		return annotate(err, id, OpKill)
	}

	log.WithTask(m.logger, id).InfoContext(ctx, "task signalled",
		slog.String(log.OperationKey, OpKill),
		slog.Uint64("signal", uint64(signal)))
	return nil
}

// Wait blocks until the task's init process has exited and returns its
// exit. Every caller observes the same result. Cancelling ctx abandons
// only this caller's wait.
func (m *Manager) Wait(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	current := m.task
	if err := m.checkID(current, id, OpWait); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	if current.State == StateCreated {
		m.mu.Unlock()
		return Result{}, &shimerrors.InvalidStateError{TaskID: id, Operation: OpWait, State: current.State.String()}
	}
	if res, ok := m.registry.Result(id); ok {
		m.mu.Unlock()
		return res, nil
	}
	// Registered under mu so the exit cannot be recorded between the
	// state check and registration.
	w := m.registry.Register(id)
	m.mu.Unlock()

	select {
	case res := <-w.C:
		return res, nil
	case <-ctx.Done():
		if m.registry.Remove(id, w) {
			log.WithTask(m.logger, id).Debug("wait abandoned",
				slog.String(log.OperationKey, OpWait),
				slog.Int("waiters", m.registry.Pending(id)))
		}
		return Result{}, ctx.Err()
	}
}

// Delete releases the runtime's resources for a created or stopped task
// and returns its last pid. Afterwards the task is gone.
func (m *Manager) Delete(ctx context.Context, id string) (pid int, err error) {
	ctx, span := m.startSpan(ctx, OpDelete, id)
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.lookup(id, OpDelete, StateCreated, StateStopped)
	if err != nil {
		return 0, err
	}

	// A created container still has a live init blocked before exec.
	force := current.State == StateCreated
	if err := m.rt.Delete(ctx, id, force); err != nil {
		return 0, annotate(err, id, OpDelete)
	}

	if current.State == StateCreated {
		go m.reapAbandoned(id, current.Pid)
	}

	m.mu.Lock()
	m.task.State = StateDeleted
	m.mu.Unlock()

	metrics.RecordTransition(StateDeleted.String())
	m.logEvent(m.events.LogTaskDelete(id, current.Pid))
	log.WithTask(m.logger, id).InfoContext(ctx, "task deleted",
		slog.String(log.OperationKey, OpDelete),
		slog.Int(log.PIDKey, current.Pid))
	return current.Pid, nil
}

// Shutdown asks the shim to stop serving. It is refused while a container
// exists that the runtime has not been told to remove, and repeated calls
// after it succeeds are no-ops.
func (m *Manager) Shutdown(ctx context.Context, id string) (err error) {
	_, span := m.startSpan(ctx, OpShutdown, id)
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	current := m.task
	m.mu.Unlock()

	switch current.State {
	case StateCreated, StateRunning:
		if current.ID != id {
			return &shimerrors.NotFoundError{TaskID: id, Operation: OpShutdown}
		}
		return &shimerrors.InvalidStateError{TaskID: id, Operation: OpShutdown, State: current.State.String()}
	case StateStopped:
		if current.ID != id {
			return &shimerrors.NotFoundError{TaskID: id, Operation: OpShutdown}
		}
	}

	m.shutdownOnce.Do(func() {
		log.WithTask(m.logger, id).Info("shutdown requested", slog.String(log.OperationKey, OpShutdown))
		close(m.done)
	})
	return nil
}

// ForwardSignal sends sig straight to the running task's init process.
// It reports false without signalling when no task is running.
func (m *Manager) ForwardSignal(sig unix.Signal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task.State != StateRunning || m.task.Exited {
		return false, nil
	}
	if err := lifecycle.SendSignal(m.task.Pid, sig); err != nil {
		if errors.Is(err, lifecycle.ErrProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	log.WithTask(m.logger, m.task.ID).Info("forwarded signal",
		slog.Int(log.PIDKey, m.task.Pid),
		slog.String("signal", sig.String()))
	return true, nil
}

// Done is closed once Shutdown succeeds.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns a snapshot of the task.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task
}

// supervise records the init process exit and releases every waiter.
func (m *Manager) supervise(id string, pid int, exits <-chan reaper.Exit) {
	exit, ok := <-exits
	if !ok {
		exit = reaper.Exit{Pid: pid, Status: reaper.UnknownExitStatus, ExitedAt: time.Now()}
	}

	m.mu.Lock()
	m.task.Exited = true
	m.task.ExitStatus = exit.Status
	m.task.ExitedAt = exit.ExitedAt
	if m.task.State == StateRunning {
		m.task.State = StateStopped
	}
	m.mu.Unlock()

	released := m.registry.Resolve(id, Result{ExitStatus: exit.Status, ExitedAt: exit.ExitedAt})

	metrics.RecordTransition(StateStopped.String())
	m.logEvent(m.events.LogTaskExit(id, pid, exit.Status, exit.ExitedAt))
	log.WithTask(m.logger, id).Info("task exited",
		slog.Int(log.PIDKey, pid),
		slog.Any(log.ExitStatusKey, exit.Status),
		slog.Int("waiters", released))
}

// reapAbandoned collects the init process of a container deleted before
// it was started.
func (m *Manager) reapAbandoned(id string, pid int) {
	exit := <-m.monitor.Monitor(pid)
	log.WithTask(m.logger, id).Debug("reaped deleted task",
		slog.Int(log.PIDKey, pid),
		slog.Any(log.ExitStatusKey, exit.Status))
}

// lookup returns the task if id names it and it is in one of allowed.
func (m *Manager) lookup(id, op string, allowed ...State) (Status, error) {
	m.mu.Lock()
	current := m.task
	m.mu.Unlock()

	if err := m.checkID(current, id, op); err != nil {
		return current, err
	}
	for _, s := range allowed {
		if current.State == s {
			return current, nil
		}
	}
	return current, &shimerrors.InvalidStateError{TaskID: id, Operation: op, State: current.State.String()}
}

// checkID fails with NotFound unless a live task named id exists.
func (m *Manager) checkID(current Status, id, op string) error {
	if current.State == StateUncreated || current.State == StateDeleted || current.ID != id {
		return &shimerrors.NotFoundError{TaskID: id, Operation: op}
	}
	return nil
}

func (m *Manager) logEvent(err error) {
	if err != nil {
		m.logger.Warn("failed to write lifecycle event", log.Error(err))
	}
}

func (m *Manager) startSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "task."+op, trace.WithAttributes(
		attribute.String("task.id", id),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.type", shimerrors.TypeOf(err)))
	}
	span.End()
}

// annotate attaches the task and operation to errors from the runtime.
func annotate(err error, id, op string) error {
	var rerr *shimerrors.RuntimeError
	if errors.As(err, &rerr) {
		rerr.TaskID = id
		rerr.Operation = op
		return err
	}
	var ioErr *shimerrors.IOError
	if errors.As(err, &ioErr) {
		ioErr.TaskID = id
		ioErr.Operation = op
		return err
	}
	return &shimerrors.RuntimeError{TaskID: id, Operation: op, Action: op, ExitCode: -1, Cause: err}
}
