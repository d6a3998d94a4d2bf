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
Package rpc serves the task API over gRPC on a unix socket.

The service is taskshim.v1.Task with six unary methods: Create, Start,
Delete, Wait, Kill and Shutdown. Messages are plain Go structs encoded with
the "json" codec registered by this package; there are no protobuf
messages. Consumers must connect with Dial, or pass
grpc.CallContentSubtype("json") on every call of their own connection. A
call made with the default proto codec fails before it reaches the server.
The standard gRPC health service is registered alongside and reports
SERVING until shutdown begins.

Errors from the task manager are returned as gRPC statuses:

	NotFound       → codes.NotFound
	AlreadyExists  → codes.AlreadyExists
	InvalidState   → codes.FailedPrecondition
	Validation     → codes.InvalidArgument
	Runtime, IO    → codes.Internal

Each status carries an errdetails.ErrorInfo whose metadata holds the task
id, the operation and, for runtime failures, the action, exit code and
runtime output. Client converts these back into pkg/errors types.

# Server Setup

	srv := rpc.NewServer(manager, &rpc.ServerConfig{Logger: logger})
	err := srv.Serve(ctx, ln) // returns after a successful Shutdown RPC
*/
package rpc
