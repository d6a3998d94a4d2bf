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

package rpc

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shimerrors "github.com/tombee/taskshim/pkg/errors"
)

// ErrorDomain is the ErrorInfo domain of task service errors.
const ErrorDomain = "taskshim"

// ErrorInfo reasons.
const (
	ReasonNotFound        = "NOT_FOUND"
	ReasonAlreadyExists   = "ALREADY_EXISTS"
	ReasonInvalidState    = "INVALID_STATE"
	ReasonInvalidArgument = "INVALID_ARGUMENT"
	ReasonRuntime         = "RUNTIME_INVOCATION"
	ReasonIO              = "IO_ERROR"
)

// ErrorInfo metadata keys.
const (
	metaTaskID    = "task_id"
	metaOperation = "operation"
	metaState     = "state"
	metaAction    = "action"
	metaExitCode  = "exit_code"
	metaOutput    = "output"
	metaPath      = "path"
	metaField     = "field"
	metaMessage   = "message"
)

// toStatus converts a task manager error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	code := codes.Unknown
	reason := ""
	md := map[string]string{}

	var (
		notFound  *shimerrors.NotFoundError
		exists    *shimerrors.AlreadyExistsError
		invalid   *shimerrors.InvalidStateError
		badArg    *shimerrors.ValidationError
		runtime   *shimerrors.RuntimeError
		ioFailure *shimerrors.IOError
	)
	switch {
	case errors.As(err, &notFound):
		code, reason = codes.NotFound, ReasonNotFound
		md[metaTaskID] = notFound.TaskID
		md[metaOperation] = notFound.Operation
	case errors.As(err, &exists):
		code, reason = codes.AlreadyExists, ReasonAlreadyExists
		md[metaTaskID] = exists.TaskID
		md[metaOperation] = "create"
	case errors.As(err, &invalid):
		code, reason = codes.FailedPrecondition, ReasonInvalidState
		md[metaTaskID] = invalid.TaskID
		md[metaOperation] = invalid.Operation
		md[metaState] = invalid.State
	case errors.As(err, &badArg):
		code, reason = codes.InvalidArgument, ReasonInvalidArgument
		md[metaField] = badArg.Field
		md[metaMessage] = badArg.Message
	case errors.As(err, &runtime):
		code, reason = codes.Internal, ReasonRuntime
		md[metaTaskID] = runtime.TaskID
		md[metaOperation] = runtime.Operation
		md[metaAction] = runtime.Action
		md[metaExitCode] = strconv.Itoa(runtime.ExitCode)
		md[metaOutput] = runtime.Output
	case errors.As(err, &ioFailure):
		code, reason = codes.Internal, ReasonIO
		md[metaTaskID] = ioFailure.TaskID
		md[metaOperation] = ioFailure.Operation
		md[metaPath] = ioFailure.Path
	default:
		return status.Error(code, err.Error())
	}

	for k, v := range md {
		if v == "" {
			delete(md, k)
		}
	}

	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   ErrorDomain,
		Metadata: md,
	}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// fromStatus converts a status error returned by the task service back
// into a pkg/errors type. Errors without task service details are returned
// unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok && ei.GetDomain() == ErrorDomain {
			info = ei
			break
		}
	}
	if info == nil {
		return err
	}

	md := info.GetMetadata()
	switch info.GetReason() {
	case ReasonNotFound:
		return &shimerrors.NotFoundError{TaskID: md[metaTaskID], Operation: md[metaOperation]}
	case ReasonAlreadyExists:
		return &shimerrors.AlreadyExistsError{TaskID: md[metaTaskID]}
	case ReasonInvalidState:
		return &shimerrors.InvalidStateError{TaskID: md[metaTaskID], Operation: md[metaOperation], State: md[metaState]}
	case ReasonInvalidArgument:
		return &shimerrors.ValidationError{Field: md[metaField], Message: md[metaMessage]}
	case ReasonRuntime:
		exitCode, convErr := strconv.Atoi(md[metaExitCode])
		if convErr != nil {
			exitCode = -1
		}
		return &shimerrors.RuntimeError{
			TaskID:    md[metaTaskID],
			Operation: md[metaOperation],
			Action:    md[metaAction],
			ExitCode:  exitCode,
			Output:    md[metaOutput],
			Cause:     err,
		}
	case ReasonIO:
		return &shimerrors.IOError{
			TaskID:    md[metaTaskID],
			Operation: md[metaOperation],
			Path:      md[metaPath],
			Cause:     err,
		}
	}
	return err
}
