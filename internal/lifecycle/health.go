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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrHealthCheckTimeout is returned when the shim does not report SERVING
// in time.
var ErrHealthCheckTimeout = errors.New("health check timeout")

// HealthChecker polls a shim's gRPC health service with exponential backoff.
type HealthChecker struct {
	address         string
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// NewHealthChecker creates a checker for a unix:// address.
// Default backoff: 20ms initial, 2x multiplier, 500ms max interval.
func NewHealthChecker(address string) *HealthChecker {
	return &HealthChecker{
		address:         address,
		initialInterval: 20 * time.Millisecond,
		maxInterval:     500 * time.Millisecond,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// Check performs a single health check.
func (h *HealthChecker) Check(ctx context.Context) error {
	conn, err := grpc.NewClient(h.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("shim reports %s", resp.GetStatus())
	}
	return nil
}

// WaitUntilHealthy polls until the shim reports SERVING or timeout is
// reached. It returns the number of attempts made.
func (h *HealthChecker) WaitUntilHealthy(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := h.initialInterval
	attempts := 0

	for {
		attempts++
		attemptCtx, attemptCancel := context.WithTimeout(ctx, time.Second)
		err := h.Check(attemptCtx)
		attemptCancel()
		if err == nil {
			return attempts, nil
		}

		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempts, err)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
