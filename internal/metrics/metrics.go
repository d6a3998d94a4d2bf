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

// Package metrics defines the shim's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskshim_rpc_requests_total",
			Help: "Total number of task RPCs by method and status code",
		},
		[]string{"method", "code"},
	)

	runtimeInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskshim_runtime_invocations_total",
			Help: "Total number of OCI runtime invocations by action and result",
		},
		[]string{"action", "result"},
	)

	runtimeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskshim_runtime_invocation_duration_seconds",
			Help:    "Duration of OCI runtime invocations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)

	taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskshim_task_transitions_total",
			Help: "Total number of task state transitions by target state",
		},
		[]string{"state"},
	)

	taskExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskshim_task_exits_total",
			Help: "Total number of reaped task exits by how the exit was observed",
		},
		[]string{"observed"},
	)

	pendingWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskshim_pending_waiters",
			Help: "Number of Wait calls suspended until the task exits",
		},
	)
)

// RecordRPC increments the RPC counter.
func RecordRPC(method, code string) {
	rpcRequests.WithLabelValues(method, code).Inc()
}

// RecordRuntimeInvocation records one runtime invocation. result is "ok"
// or "error".
func RecordRuntimeInvocation(action, result string, d time.Duration) {
	runtimeInvocations.WithLabelValues(action, result).Inc()
	runtimeDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordTransition increments the transition counter for the target state.
func RecordTransition(state string) {
	taskTransitions.WithLabelValues(state).Inc()
}

// RecordExit records a reaped exit. observed is "wait" when the exit
// status came from the kernel, "unknown" when the pid vanished without one
// and "orphan" for a reaped child nobody was watching.
func RecordExit(observed string) {
	taskExits.WithLabelValues(observed).Inc()
}

// AddPendingWaiters adjusts the pending waiter gauge.
func AddPendingWaiters(delta int) {
	pendingWaiters.Add(float64(delta))
}

// Handler returns an HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
