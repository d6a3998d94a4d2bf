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

package errors

import (
	"fmt"
)

// NotFoundError is returned when an operation names a task that this shim
// does not manage, or one that has already been deleted.
type NotFoundError struct {
	// TaskID is the identifier given by the caller
	TaskID string

	// Operation is the lifecycle operation that was attempted
	Operation string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: task not found: %s", e.Operation, e.TaskID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return TypeNotFound }

// AlreadyExistsError is returned by a Create that races or repeats an
// earlier successful Create.
type AlreadyExistsError struct {
	// TaskID is the identifier given by the caller
	TaskID string

	// Existing is the identifier of the task already managed by the shim
	Existing string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	if e.Existing != "" && e.Existing != e.TaskID {
		return fmt.Sprintf("create: task %s already exists (requested %s)", e.Existing, e.TaskID)
	}
	return fmt.Sprintf("create: task already exists: %s", e.TaskID)
}

// ErrorType implements ErrorClassifier.
func (e *AlreadyExistsError) ErrorType() string { return TypeAlreadyExists }

// InvalidStateError is returned when an operation is not legal for the
// task's current lifecycle state.
type InvalidStateError struct {
	TaskID    string
	Operation string

	// State is the lifecycle state the task was in when the operation was refused
	State string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: task %s is %s", e.Operation, e.TaskID, e.State)
}

// ErrorType implements ErrorClassifier.
func (e *InvalidStateError) ErrorType() string { return TypeInvalidState }

// RuntimeError represents a failed invocation of the OCI runtime binary.
// ExitCode is -1 when the binary could not be spawned at all.
type RuntimeError struct {
	TaskID    string
	Operation string

	// Action is the runtime subcommand (create, start, kill, delete)
	Action string

	// ExitCode is the runtime's exit code
	ExitCode int

	// Output is the diagnostic text captured from the runtime
	Output string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("runtime %s failed", e.Action)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s: task %s: %s", e.Operation, e.TaskID, msg)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *RuntimeError) ErrorType() string { return TypeRuntime }

// IOError is returned when a stdio redirection file cannot be opened.
type IOError struct {
	TaskID    string
	Operation string

	// Path is the file that could not be opened
	Path string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s: task %s: open %s: %v", e.Operation, e.TaskID, e.Path, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *IOError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *IOError) ErrorType() string { return TypeIO }

// ValidationError represents a malformed request.
type ValidationError struct {
	// Field identifies which request field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return TypeValidation }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "runtime.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
