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
	"sync"
	"time"

	"github.com/tombee/taskshim/internal/metrics"
)

// Result is the exit of a task's init process.
type Result struct {
	ExitStatus uint32
	ExitedAt   time.Time
}

// Waiter is a one-shot slot for a single Wait call. C receives the result
// once and is never closed.
type Waiter struct {
	C  <-chan Result
	ch chan Result
}

// Registry fans one exit result out to every pending waiter of a task and
// remembers it for waiters that arrive later.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*Waiter
	results map[string]Result
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		waiters: make(map[string][]*Waiter),
		results: make(map[string]Result),
	}
}

// Register adds a waiter for id. If id was already resolved the waiter is
// returned already satisfied.
func (r *Registry) Register(id string) *Waiter {
	ch := make(chan Result, 1)
	w := &Waiter{C: ch, ch: ch}

	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.results[id]; ok {
		ch <- res
		return w
	}
	r.waiters[id] = append(r.waiters[id], w)
	metrics.AddPendingWaiters(1)
	return w
}

// Resolve completes every pending waiter for id with res and caches it.
// Only the first call for an id has any effect; it returns the number of
// waiters satisfied.
func (r *Registry) Resolve(id string, res Result) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.results[id]; ok {
		return 0
	}
	r.results[id] = res

	pending := r.waiters[id]
	delete(r.waiters, id)
	for _, w := range pending {
		w.ch <- res
	}
	metrics.AddPendingWaiters(-len(pending))
	return len(pending)
}

// Remove discards w without affecting other waiters. It reports whether w
// was still pending.
func (r *Registry) Remove(id string, w *Waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.waiters[id]
	for i, candidate := range pending {
		if candidate != w {
			continue
		}
		pending = append(pending[:i], pending[i+1:]...)
		if len(pending) == 0 {
			delete(r.waiters, id)
		} else {
			r.waiters[id] = pending
		}
		metrics.AddPendingWaiters(-1)
		return true
	}
	return false
}

// Pending returns the number of unresolved waiters for id.
func (r *Registry) Pending(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[id])
}

// Result returns the cached result for id, if resolved.
func (r *Registry) Result(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}
