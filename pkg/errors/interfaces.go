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

import "errors"

// Error categories reported by ErrorClassifier.ErrorType.
const (
	TypeNotFound      = "not_found"
	TypeAlreadyExists = "already_exists"
	TypeInvalidState  = "invalid_state"
	TypeRuntime       = "runtime_invocation"
	TypeIO            = "io_error"
	TypeValidation    = "validation"
)

// ErrorClassifier defines methods for programmatic error handling.
// The RPC layer uses the category to pick a status code and the metrics
// layer uses it as a label.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	ErrorType() string
}

// TypeOf returns the category of the first classified error in err's
// tree, or "unknown".
func TypeOf(err error) string {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "unknown"
}
