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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes for taskshim
const (
	ExitSuccess        = 0
	ExitStartupFailed  = 1
	ExitShutdownFailed = 2
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewStartupError creates an error for failures before the shim serves,
// such as an unbindable socket or invalid configuration.
func NewStartupError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitStartupFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewShutdownError creates an error for failures while stopping.
func NewShutdownError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitShutdownFailed,
		Message: msg,
		Cause:   cause,
	}
}

// ReportError writes err to w and returns the exit code it maps to.
func ReportError(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintln(w, "Error:", err.Error())

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitStartupFailed
}

// HandleExitError reports err on stderr and exits with its code.
// It returns normally when err is nil.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(ReportError(os.Stderr, err))
}
