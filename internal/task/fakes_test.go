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
	"fmt"
	"sync"
	"time"

	"github.com/tombee/taskshim/internal/reaper"
	"github.com/tombee/taskshim/internal/runtime"
)

// recordingRuntime is a runtime.Runtime that records every invocation.
type recordingRuntime struct {
	mu    sync.Mutex
	calls []string

	pid  int
	errs map[string]error

	// block, when set for an action, holds that action until closed.
	block map[string]chan struct{}
}

func newRecordingRuntime(pid int) *recordingRuntime {
	return &recordingRuntime{
		pid:   pid,
		errs:  make(map[string]error),
		block: make(map[string]chan struct{}),
	}
}

func (r *recordingRuntime) record(action, call string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	err := r.errs[action]
	gate := r.block[action]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (r *recordingRuntime) failWith(action string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[action] = err
}

func (r *recordingRuntime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingRuntime) Create(_ context.Context, opts runtime.CreateOpts) (int, error) {
	err := r.record(runtime.ActionCreate, fmt.Sprintf("create %s %s %s %s", opts.ID, opts.Bundle, opts.Stdout, opts.Stderr))
	if err != nil {
		return 0, err
	}
	return r.pid, nil
}

func (r *recordingRuntime) Start(_ context.Context, id string) error {
	return r.record(runtime.ActionStart, "start "+id)
}

func (r *recordingRuntime) Kill(_ context.Context, id string, signal uint32) error {
	return r.record(runtime.ActionKill, fmt.Sprintf("kill %s %d", id, signal))
}

func (r *recordingRuntime) Delete(_ context.Context, id string, force bool) error {
	return r.record(runtime.ActionDelete, fmt.Sprintf("delete %s force=%t", id, force))
}

// fakeMonitor hands out exit channels the test completes explicitly.
type fakeMonitor struct {
	mu    sync.Mutex
	chans map[int]chan reaper.Exit
	calls []int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{chans: make(map[int]chan reaper.Exit)}
}

func (f *fakeMonitor) Monitor(pid int) <-chan reaper.Exit {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan reaper.Exit, 1)
	f.chans[pid] = ch
	f.calls = append(f.calls, pid)
	return ch
}

// exit delivers an exit for pid. It panics if pid is not monitored.
func (f *fakeMonitor) exit(pid int, status uint32, at time.Time) {
	f.mu.Lock()
	ch := f.chans[pid]
	delete(f.chans, pid)
	f.mu.Unlock()

	ch <- reaper.Exit{Pid: pid, Status: status, ExitedAt: at}
	close(ch)
}

func (f *fakeMonitor) monitored() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}
