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

// Package reaper collects the exits of the shim's children.
//
// The shim registers itself as a child subreaper so that the container's
// init, orphaned when the runtime's create process exits, is reparented to
// the shim. A single loop reaps every child with wait4(-1, WNOHANG) on
// SIGCHLD and hands each exit to whoever subscribed to that pid. Exits
// nobody subscribed to are still reaped, so reparented helpers never
// linger as zombies. Commands the shim runs itself go through Exec so the
// loop and os/exec never race for the same child.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/metrics"
)

// UnknownExitStatus is reported when a process vanished without the shim
// collecting its exit status.
const UnknownExitStatus uint32 = 255

// DefaultPollInterval is how often the loop reaps without a SIGCHLD and
// checks subscribed pids that are not its children.
const DefaultPollInterval = 100 * time.Millisecond

// maxUnclaimed bounds the exits kept for pids nobody has subscribed to yet.
const maxUnclaimed = 64

// Exit is an observed process exit.
type Exit struct {
	Pid      int
	Status   uint32
	ExitedAt time.Time
}

// SetSubreaper marks the calling process as a child subreaper.
func SetSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Reaper reaps children and dispatches their exits.
type Reaper struct {
	logger       *slog.Logger
	pollInterval time.Duration

	mu          sync.Mutex
	subscribers map[int][]chan Exit
	unclaimed   map[int]Exit
	order       []int
}

// New creates a reaper. Nothing is reaped until Run is called.
func New(logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = log.Discard()
	}
	return &Reaper{
		logger:       log.WithComponent(logger, "reaper"),
		pollInterval: DefaultPollInterval,
		subscribers:  make(map[int][]chan Exit),
		unclaimed:    make(map[int]Exit),
	}
}

// Run reaps children until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, unix.SIGCHLD)
	defer signal.Stop(sigchld)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.reapAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigchld:
			r.reapAll()
		case <-ticker.C:
			r.reapAll()
			r.sweep()
		}
	}
}

// Monitor subscribes to the exit of pid. The returned channel receives
// exactly one Exit and is then closed.
func (r *Reaper) Monitor(pid int) <-chan Exit {
	ch := make(chan Exit, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if exit, ok := r.unclaimed[pid]; ok {
		delete(r.unclaimed, pid)
		ch <- exit
		close(ch)
		return ch
	}
	r.subscribers[pid] = append(r.subscribers[pid], ch)
	return ch
}

// Exec starts cmd and waits for it through the reaper. It returns the
// exit status, or an error if cmd could not be started. Run must be
// active, otherwise Exec blocks.
func (r *Reaper) Exec(cmd *exec.Cmd) (int, error) {
	// Held across Start so the loop cannot dispatch the exit before the
	// subscription exists.
	r.mu.Lock()
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return -1, err
	}
	ch := make(chan Exit, 1)
	r.subscribers[cmd.Process.Pid] = append(r.subscribers[cmd.Process.Pid], ch)
	r.mu.Unlock()

	exit := <-ch
	// The child is already reaped; Wait only flushes and closes the
	// output pipes and reports ECHILD.
	_ = cmd.Wait()
	_ = cmd.Process.Release()
	return int(exit.Status), nil
}

// reapAll collects every exited child without blocking.
func (r *Reaper) reapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if !errors.Is(err, unix.ECHILD) {
				r.logger.Warn("wait4 failed", log.Error(err))
			}
			return
		}
		if pid <= 0 {
			return
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}
		r.dispatch(Exit{Pid: pid, Status: exitStatus(ws), ExitedAt: time.Now()}, "wait")
	}
}

// sweep resolves subscriptions for pids that are gone without having been
// reaped here, such as processes that were never our children.
func (r *Reaper) sweep() {
	r.mu.Lock()
	var gone []int
	for pid := range r.subscribers {
		if !lifecycle.IsProcessRunning(pid) {
			gone = append(gone, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range gone {
		r.dispatch(Exit{Pid: pid, Status: UnknownExitStatus, ExitedAt: time.Now()}, "unknown")
	}
}

func (r *Reaper) dispatch(exit Exit, how string) {
	logger := r.logger.With(slog.Int(log.PIDKey, exit.Pid))

	r.mu.Lock()
	subs, ok := r.subscribers[exit.Pid]
	if ok {
		delete(r.subscribers, exit.Pid)
	} else if how == "wait" {
		r.remember(exit)
	}
	r.mu.Unlock()

	if !ok {
		metrics.RecordExit("orphan")
		logger.Debug("reaped unmonitored process", slog.Any(log.ExitStatusKey, exit.Status))
		return
	}

	metrics.RecordExit(how)
	if how == "unknown" {
		logger.Warn("process exited without a collectable status",
			slog.Any(log.ExitStatusKey, exit.Status))
	} else {
		logger.Debug("process exited", slog.Any(log.ExitStatusKey, exit.Status))
	}
	for _, ch := range subs {
		ch <- exit
		close(ch)
	}
}

// remember keeps an exit for a later Monitor call, evicting the oldest.
// Caller holds mu.
func (r *Reaper) remember(exit Exit) {
	if _, ok := r.unclaimed[exit.Pid]; !ok {
		r.order = append(r.order, exit.Pid)
	}
	r.unclaimed[exit.Pid] = exit
	for len(r.order) > maxUnclaimed {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.unclaimed, oldest)
	}
}

// exitStatus follows the shell convention: 128+N for a fatal signal N.
func exitStatus(ws unix.WaitStatus) uint32 {
	switch {
	case ws.Exited():
		return uint32(ws.ExitStatus())
	case ws.Signaled():
		return 128 + uint32(ws.Signal())
	default:
		return UnknownExitStatus
	}
}
