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
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tombee/taskshim/internal/lifecycle"
	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

const testPID = 4242

var helloReq = CreateRequest{ID: "hello", Bundle: "/bundles/hello", Stdout: "/tmp/out", Stderr: "/tmp/err"}

type harness struct {
	m   *Manager
	rt  *recordingRuntime
	mon *fakeMonitor
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{rt: newRecordingRuntime(testPID), mon: newFakeMonitor()}
	o := Options{Runtime: h.rt, Monitor: h.mon}
	for _, fn := range opts {
		fn(&o)
	}
	h.m = NewManager(o)
	return h
}

func (h *harness) running(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.m.Create(ctx, helloReq)
	require.NoError(t, err)
	_, err = h.m.Start(ctx, "hello")
	require.NoError(t, err)
}

func (h *harness) stopped(t *testing.T, status uint32, at time.Time) {
	t.Helper()
	h.running(t)
	h.mon.exit(testPID, status, at)
	h.waitState(t, StateStopped)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Status().State == want
	}, 5*time.Second, time.Millisecond, "task never reached %s", want)
}

func assertErrorType(t *testing.T, err error, want string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, shimerrors.TypeOf(err), "error: %v", err)
}

func TestManager_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exitedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	pid, err := h.m.Create(ctx, helloReq)
	require.NoError(t, err)
	assert.Equal(t, testPID, pid)

	pid, err = h.m.Start(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, testPID, pid)

	h.mon.exit(testPID, 137, exitedAt)

	res, err := h.m.Wait(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, Result{ExitStatus: 137, ExitedAt: exitedAt}, res)

	pid, err = h.m.Delete(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, testPID, pid)

	_, err = h.m.Delete(ctx, "hello")
	assertErrorType(t, err, shimerrors.TypeNotFound)

	assert.Equal(t, []string{
		"create hello /bundles/hello /tmp/out /tmp/err",
		"start hello",
		"delete hello force=false",
	}, h.rt.Calls())
}

func TestManager_Create(t *testing.T) {
	t.Run("second create is rejected and leaves task unchanged", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)

		for _, id := range []string{"hello", "other"} {
			req := helloReq
			req.ID = id
			_, err = h.m.Create(context.Background(), req)
			assertErrorType(t, err, shimerrors.TypeAlreadyExists)
		}

		st := h.m.Status()
		assert.Equal(t, "hello", st.ID)
		assert.Equal(t, testPID, st.Pid)
		assert.Equal(t, StateCreated, st.State)
		assert.Len(t, h.rt.Calls(), 1)
	})

	t.Run("runtime failure leaves task uncreated", func(t *testing.T) {
		h := newHarness(t)
		h.rt.failWith("create", &shimerrors.RuntimeError{Action: "create", ExitCode: 1, Output: "bad bundle"})

		_, err := h.m.Create(context.Background(), helloReq)
		var rerr *shimerrors.RuntimeError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "hello", rerr.TaskID)
		assert.Equal(t, OpCreate, rerr.Operation)
		assert.Equal(t, 1, rerr.ExitCode)

		st := h.m.Status()
		assert.Equal(t, StateUncreated, st.State)
		assert.Zero(t, st.Pid)

		// A later create may still succeed.
		h.rt.failWith("create", nil)
		_, err = h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
	})

	t.Run("io failure is surfaced", func(t *testing.T) {
		h := newHarness(t)
		h.rt.failWith("create", &shimerrors.IOError{Path: "/nope/out", Cause: errors.New("no such file")})

		_, err := h.m.Create(context.Background(), helloReq)
		var ioErr *shimerrors.IOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "hello", ioErr.TaskID)
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), CreateRequest{Bundle: "/b"})
		assertErrorType(t, err, shimerrors.TypeValidation)
		_, err = h.m.Create(context.Background(), CreateRequest{ID: "x"})
		assertErrorType(t, err, shimerrors.TypeValidation)
		assert.Empty(t, h.rt.Calls())
	})

	t.Run("pinned id", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.TaskID = "hello" })
		req := helloReq
		req.ID = "other"
		_, err := h.m.Create(context.Background(), req)
		assertErrorType(t, err, shimerrors.TypeValidation)

		_, err = h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
	})

	t.Run("create after delete is not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		_, err = h.m.Delete(context.Background(), "hello")
		require.NoError(t, err)

		_, err = h.m.Create(context.Background(), helloReq)
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})
}

func TestManager_Start(t *testing.T) {
	t.Run("before create is not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Start(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})

	t.Run("wrong id is not found", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		_, err = h.m.Start(context.Background(), "other")
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})

	t.Run("running is invalid state", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		_, err := h.m.Start(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
	})

	t.Run("stopped is invalid state", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())
		_, err := h.m.Start(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
	})

	t.Run("deleted is not found", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())
		_, err := h.m.Delete(context.Background(), "hello")
		require.NoError(t, err)
		_, err = h.m.Start(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})

	t.Run("runtime failure leaves task created", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		h.rt.failWith("start", &shimerrors.RuntimeError{Action: "start", ExitCode: 1})

		_, err = h.m.Start(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeRuntime)
		assert.Equal(t, StateCreated, h.m.Status().State)
		assert.Empty(t, h.mon.monitored())
	})

	t.Run("supervises the init pid", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		assert.Equal(t, []int{testPID}, h.mon.monitored())
		assert.Equal(t, StateRunning, h.m.Status().State)
	})
}

func TestManager_Kill(t *testing.T) {
	t.Run("forwards exact signal and keeps state", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)

		require.NoError(t, h.m.Kill(context.Background(), "hello", 9))
		require.NoError(t, h.m.Kill(context.Background(), "hello", 15))

		calls := h.rt.Calls()
		assert.Equal(t, []string{"kill hello 9", "kill hello 15"}, calls[2:])
		assert.Equal(t, StateRunning, h.m.Status().State)
	})

	t.Run("not running is invalid state", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		err = h.m.Kill(context.Background(), "hello", 9)
		assertErrorType(t, err, shimerrors.TypeInvalidState)

		h2 := newHarness(t)
		h2.stopped(t, 0, time.Now())
		err = h2.m.Kill(context.Background(), "hello", 9)
		assertErrorType(t, err, shimerrors.TypeInvalidState)
	})

	t.Run("rejects out of range signals", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		for _, sig := range []uint32{0, 65, 1000} {
			err := h.m.Kill(context.Background(), "hello", sig)
			assertErrorType(t, err, shimerrors.TypeValidation)
		}
	})

	t.Run("id and state are checked before the signal", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		err := h.m.Kill(context.Background(), "other", 99)
		assertErrorType(t, err, shimerrors.TypeNotFound)

		h2 := newHarness(t)
		_, err = h2.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		err = h2.m.Kill(context.Background(), "hello", 0)
		assertErrorType(t, err, shimerrors.TypeInvalidState)
		assert.Equal(t, []string{"create hello /bundles/hello /tmp/out /tmp/err"}, h2.rt.Calls())
	})

	t.Run("runtime failure is surfaced", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		h.rt.failWith("kill", &shimerrors.RuntimeError{Action: "kill", ExitCode: 1, Output: "container not running"})

		err := h.m.Kill(context.Background(), "hello", 9)
		var rerr *shimerrors.RuntimeError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "container not running", rerr.Output)
		assert.Equal(t, OpKill, rerr.Operation)
	})
}

func TestManager_Wait(t *testing.T) {
	t.Run("concurrent waiters observe identical results", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		exitedAt := time.Date(2025, 6, 1, 12, 0, 0, 123, time.UTC)

		const n = 10
		var wg sync.WaitGroup
		results := make([]Result, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = h.m.Wait(context.Background(), "hello")
			}(i)
		}

		require.Eventually(t, func() bool {
			return h.m.registry.Pending("hello") == n
		}, 5*time.Second, time.Millisecond)

		h.mon.exit(testPID, 137, exitedAt)
		wg.Wait()

		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, Result{ExitStatus: 137, ExitedAt: exitedAt}, results[i])
		}
	})

	t.Run("after exit returns immediately", func(t *testing.T) {
		h := newHarness(t)
		exitedAt := time.Now()
		h.stopped(t, 3, exitedAt)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		res, err := h.m.Wait(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), res.ExitStatus)
		assert.True(t, res.ExitedAt.Equal(exitedAt))
	})

	t.Run("cancelled waiter is removed without affecting others", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancelled := make(chan error, 1)
		go func() {
			_, err := h.m.Wait(ctx, "hello")
			cancelled <- err
		}()

		other := make(chan Result, 1)
		go func() {
			res, _ := h.m.Wait(context.Background(), "hello")
			other <- res
		}()

		require.Eventually(t, func() bool {
			return h.m.registry.Pending("hello") == 2
		}, 5*time.Second, time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-cancelled, context.Canceled)
		assert.Equal(t, 1, h.m.registry.Pending("hello"))
		assert.Equal(t, StateRunning, h.m.Status().State)

		h.mon.exit(testPID, 0, time.Now())
		select {
		case res := <-other:
			assert.Equal(t, uint32(0), res.ExitStatus)
		case <-time.After(5 * time.Second):
			t.Fatal("remaining waiter never resolved")
		}
	})

	t.Run("does not block kill", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)

		waitDone := make(chan struct{})
		go func() {
			h.m.Wait(context.Background(), "hello")
			close(waitDone)
		}()
		require.Eventually(t, func() bool {
			return h.m.registry.Pending("hello") == 1
		}, 5*time.Second, time.Millisecond)

		require.NoError(t, h.m.Kill(context.Background(), "hello", 9))
		h.mon.exit(testPID, 137, time.Now())
		<-waitDone
	})

	t.Run("state errors", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Wait(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)

		_, err = h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		_, err = h.m.Wait(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
		_, err = h.m.Wait(context.Background(), "other")
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})

	t.Run("closed monitor reports unknown exit", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)

		h.mon.mu.Lock()
		ch := h.mon.chans[testPID]
		h.mon.mu.Unlock()
		close(ch)

		res, err := h.m.Wait(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, uint32(255), res.ExitStatus)
	})
}

func TestManager_Delete(t *testing.T) {
	t.Run("running is invalid state", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		_, err := h.m.Delete(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
		assert.Equal(t, StateRunning, h.m.Status().State)
	})

	t.Run("created is force deleted and reaped", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)

		pid, err := h.m.Delete(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, testPID, pid)
		assert.Equal(t, StateDeleted, h.m.Status().State)
		assert.Contains(t, h.rt.Calls(), "delete hello force=true")

		require.Eventually(t, func() bool {
			return len(h.mon.monitored()) == 1
		}, 5*time.Second, time.Millisecond)
	})

	t.Run("every operation after delete is not found", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())
		_, err := h.m.Delete(context.Background(), "hello")
		require.NoError(t, err)

		ctx := context.Background()
		_, err = h.m.Start(ctx, "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)
		err = h.m.Kill(ctx, "hello", 9)
		assertErrorType(t, err, shimerrors.TypeNotFound)
		_, err = h.m.Wait(ctx, "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)
		_, err = h.m.Delete(ctx, "hello")
		assertErrorType(t, err, shimerrors.TypeNotFound)
	})

	t.Run("runtime failure keeps state", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())
		h.rt.failWith("delete", &shimerrors.RuntimeError{Action: "delete", ExitCode: 1})

		_, err := h.m.Delete(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeRuntime)
		assert.Equal(t, StateStopped, h.m.Status().State)
	})
}

func TestManager_Shutdown(t *testing.T) {
	isDone := func(m *Manager) bool {
		select {
		case <-m.Done():
			return true
		default:
			return false
		}
	}

	t.Run("refused while running", func(t *testing.T) {
		h := newHarness(t)
		h.running(t)
		err := h.m.Shutdown(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
		assert.False(t, isDone(h.m))
		// Never kills the task.
		assert.NotContains(t, h.rt.Calls(), "kill hello 9")
	})

	t.Run("refused while created", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		err = h.m.Shutdown(context.Background(), "hello")
		assertErrorType(t, err, shimerrors.TypeInvalidState)
	})

	t.Run("idempotent once stopped", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())

		require.NoError(t, h.m.Shutdown(context.Background(), "hello"))
		require.NoError(t, h.m.Shutdown(context.Background(), "hello"))
		assert.True(t, isDone(h.m))
	})

	t.Run("wrong id while task exists", func(t *testing.T) {
		h := newHarness(t)
		h.stopped(t, 0, time.Now())
		err := h.m.Shutdown(context.Background(), "other")
		assertErrorType(t, err, shimerrors.TypeNotFound)
		assert.False(t, isDone(h.m))
	})

	t.Run("uncreated and deleted accept any id", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.m.Shutdown(context.Background(), "anything"))
		assert.True(t, isDone(h.m))

		h2 := newHarness(t)
		h2.stopped(t, 0, time.Now())
		_, err := h2.m.Delete(context.Background(), "hello")
		require.NoError(t, err)
		require.NoError(t, h2.m.Shutdown(context.Background(), ""))
		require.NoError(t, h2.m.Shutdown(context.Background(), ""))
	})
}

func TestManager_SerializesMutations(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.rt.block["create"] = gate

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.m.Create(context.Background(), helloReq)
		firstDone <- err
	}()

	require.Eventually(t, func() bool { return len(h.rt.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := h.m.Create(context.Background(), helloReq)
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second create ran while the first held the operation lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-firstDone)
	assertErrorType(t, <-secondDone, shimerrors.TypeAlreadyExists)
}

func TestManager_LifecycleEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.log")
	h := newHarness(t, func(o *Options) { o.Events = lifecycle.NewLifecycleLogger(path) })

	h.stopped(t, 137, time.Now())
	_, err := h.m.Delete(context.Background(), "hello")
	require.NoError(t, err)

	// The exit event is written after the state change is visible.
	require.Eventually(t, func() bool {
		events, err := lifecycle.ReadEvents(path)
		return err == nil && len(events) == 3
	}, 5*time.Second, time.Millisecond)

	events, err := lifecycle.ReadEvents(path)
	require.NoError(t, err)

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	assert.ElementsMatch(t, []string{lifecycle.EventTaskCreate, lifecycle.EventTaskExit, lifecycle.EventTaskDelete}, names)
}

func TestManager_ForwardSignal(t *testing.T) {
	t.Run("no running task", func(t *testing.T) {
		h := newHarness(t)
		forwarded, err := h.m.ForwardSignal(unix.SIGTERM)
		require.NoError(t, err)
		assert.False(t, forwarded)

		_, err = h.m.Create(context.Background(), helloReq)
		require.NoError(t, err)
		forwarded, err = h.m.ForwardSignal(unix.SIGTERM)
		require.NoError(t, err)
		assert.False(t, forwarded)
	})

	t.Run("signals the init process", func(t *testing.T) {
		cmd := exec.Command("sleep", "30")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start sleep: %v", err)
		}
		t.Cleanup(func() { _ = cmd.Process.Kill() })

		h := &harness{rt: newRecordingRuntime(cmd.Process.Pid), mon: newFakeMonitor()}
		h.m = NewManager(Options{Runtime: h.rt, Monitor: h.mon})
		ctx := context.Background()
		_, err := h.m.Create(ctx, helloReq)
		require.NoError(t, err)
		_, err = h.m.Start(ctx, "hello")
		require.NoError(t, err)

		forwarded, err := h.m.ForwardSignal(unix.SIGTERM)
		require.NoError(t, err)
		assert.True(t, forwarded)

		err = cmd.Wait()
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		status := exitErr.Sys().(syscall.WaitStatus)
		assert.Equal(t, syscall.SIGTERM, status.Signal())

		// The runtime is not involved and the state only follows the exit.
		assert.Equal(t, []string{"create hello /bundles/hello /tmp/out /tmp/err", "start hello"}, h.rt.Calls())
		assert.Equal(t, StateRunning, h.m.Status().State)
	})
}
