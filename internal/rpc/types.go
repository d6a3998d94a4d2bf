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

import "time"

// CreateTaskRequest creates the shim's task. Stdout and Stderr are file
// paths; terminals and stdin are not supported.
type CreateTaskRequest struct {
	ID     string `json:"id"`
	Bundle string `json:"bundle"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// CreateTaskResponse carries the init pid.
type CreateTaskResponse struct {
	Pid uint32 `json:"pid"`
}

// StartRequest starts the created task.
type StartRequest struct {
	ID string `json:"id"`
}

// StartResponse carries the init pid.
type StartResponse struct {
	Pid uint32 `json:"pid"`
}

// DeleteRequest deletes a created or stopped task.
type DeleteRequest struct {
	ID string `json:"id"`
}

// DeleteResponse carries the last pid of the deleted task.
type DeleteResponse struct {
	Pid uint32 `json:"pid"`
}

// WaitRequest waits for the task to exit.
type WaitRequest struct {
	ID string `json:"id"`
}

// WaitResponse is the task's exit.
type WaitResponse struct {
	ExitStatus uint32    `json:"exit_status"`
	ExitedAt   time.Time `json:"exited_at"`
}

// KillRequest signals the running task.
type KillRequest struct {
	ID     string `json:"id"`
	Signal uint32 `json:"signal"`
}

// ShutdownRequest stops the shim.
type ShutdownRequest struct {
	ID string `json:"id"`
}

// Empty is the response of Kill and Shutdown.
type Empty struct{}

// taskRequest is implemented by every request naming a task.
type taskRequest interface {
	taskID() string
}

func (r *CreateTaskRequest) taskID() string { return r.ID }
func (r *StartRequest) taskID() string      { return r.ID }
func (r *DeleteRequest) taskID() string     { return r.ID }
func (r *WaitRequest) taskID() string       { return r.ID }
func (r *KillRequest) taskID() string       { return r.ID }
func (r *ShutdownRequest) taskID() string   { return r.ID }
