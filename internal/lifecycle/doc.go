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

/*
Package lifecycle manages the shim process itself, as opposed to the task
it supervises.

# PID Files

A serving shim holds an flock on <state_dir>/<id>/shim.pid so a second
shim for the same task id refuses to start:

	pf, err := lifecycle.AcquirePIDFile(path, os.Getpid())
	if errors.Is(err, lifecycle.ErrPIDFileLocked) {
	    // another shim owns this task
	}
	defer pf.Release()

ReadPID also parses the pid file written by the OCI runtime on create.

# Detached Spawning

In detached mode the parent binds the socket, then re-executes itself with
the listener passed as descriptor InheritedFD:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached(self, []string{"serve"}, lnFile, logPath)

# Readiness

The parent polls the child's gRPC health service with exponential backoff
before printing the address and exiting:

	checker := lifecycle.NewHealthChecker("unix:///run/shim/123.sock")
	attempts, err := checker.WaitUntilHealthy(ctx, 10*time.Second)

# Lifecycle Logging

Start, task exit and shutdown events are appended as JSON lines:

	logger := lifecycle.NewLifecycleLogger(path)
	logger.LogTaskExit(id, pid, 137, time.Now())
*/
package lifecycle
