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

package log

import (
	"context"
	"log/slog"
)

// RPCRequest represents an RPC request for logging purposes.
type RPCRequest struct {
	// Method is the full RPC method name (e.g. "/taskshim.v1.Task/Create").
	Method string

	// RequestID is the unique ID for this specific request.
	RequestID string

	// TaskID is the task named by the request, if any.
	TaskID string
}

// RPCResponse represents an RPC response for logging purposes.
type RPCResponse struct {
	// Code is the status code name returned to the caller.
	Code string

	// Error is the error message if the request failed.
	Error string

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64
}

func (r *RPCRequest) attrs() []any {
	attrs := []any{"method", r.Method}
	if r.RequestID != "" {
		attrs = append(attrs, RequestIDKey, r.RequestID)
	}
	if r.TaskID != "" {
		attrs = append(attrs, TaskIDKey, r.TaskID)
	}
	return attrs
}

// LogRPCRequest logs an incoming RPC request at debug level.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := append([]any{"event", "rpc_request"}, req.attrs()...)
	logger.Debug("rpc request received", attrs...)
}

// LogRPCResponse logs an RPC response. Failed requests are logged at warn
// level since most failures are caller errors (wrong state, unknown id).
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := append([]any{"event", "rpc_response"}, req.attrs()...)
	attrs = append(attrs, "code", resp.Code, DurationKey, resp.DurationMs)

	level := slog.LevelInfo
	message := "rpc request completed"
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
		level = slog.LevelWarn
		message = "rpc request failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}
