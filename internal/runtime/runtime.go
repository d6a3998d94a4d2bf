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

// Package runtime invokes the OCI runtime binary for the four
// process-producing task actions.
package runtime

import (
	"context"
	"errors"
	"os/exec"
)

// Runtime actions, used as the Action of a RuntimeError and as metric labels.
const (
	ActionCreate = "create"
	ActionStart  = "start"
	ActionKill   = "kill"
	ActionDelete = "delete"
)

// CreateOpts describes a container to create.
type CreateOpts struct {
	// ID is the container identifier passed to the runtime
	ID string

	// Bundle is the OCI bundle directory
	Bundle string

	// Stdout and Stderr are files that receive the container's output.
	// Empty means the output is discarded.
	Stdout string
	Stderr string
}

// Runtime is the set of runtime actions the task manager drives.
// Implementations never retry: runtime actions are not idempotent.
type Runtime interface {
	// Create materializes the container without starting its entrypoint
	// and returns the init process id.
	Create(ctx context.Context, opts CreateOpts) (int, error)

	// Start runs the user process of a created container.
	Start(ctx context.Context, id string) error

	// Kill sends signal to the container's init process.
	Kill(ctx context.Context, id string, signal uint32) error

	// Delete releases runtime-side resources. Force also kills a
	// container that has not stopped.
	Delete(ctx context.Context, id string, force bool) error
}

// Executor runs a command to completion and returns its exit status. An
// error means the command could not be started.
type Executor interface {
	Exec(cmd *exec.Cmd) (int, error)
}

// directExecutor waits for commands with os/exec. It must not be used in a
// process whose children are collected by a reaper.
type directExecutor struct{}

func (directExecutor) Exec(cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
