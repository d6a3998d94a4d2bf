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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names written to the lifecycle log.
const (
	EventStart        = "start"
	EventStartFailure = "start_failure"
	EventTaskCreate   = "task_create"
	EventTaskExit     = "task_exit"
	EventTaskDelete   = "task_delete"
	EventShutdown     = "shutdown"
)

// LifecycleEvent is one JSON line in the lifecycle log.
type LifecycleEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	Event      string     `json:"event"`
	TaskID     string     `json:"task_id,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Address    string     `json:"address,omitempty"`
	Version    string     `json:"version,omitempty"`
	ExitStatus *uint32    `json:"exit_status,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// LifecycleLogger appends shim lifecycle events to a file.
// A nil *LifecycleLogger discards events.
type LifecycleLogger struct {
	logPath string
	mu      sync.Mutex
}

// NewLifecycleLogger creates a new lifecycle logger.
func NewLifecycleLogger(logPath string) *LifecycleLogger {
	return &LifecycleLogger{logPath: logPath}
}

// Path returns the log file location.
func (l *LifecycleLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.logPath
}

// LogStart records that the shim began serving at address.
func (l *LifecycleLogger) LogStart(taskID string, pid int, address, version string) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventStart,
		TaskID:  taskID,
		PID:     pid,
		Address: address,
		Version: version,
	})
}

// LogStartFailure records that the shim could not start serving.
func (l *LifecycleLogger) LogStartFailure(taskID string, err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:  EventStartFailure,
		TaskID: taskID,
		Error:  errString(err),
	})
}

// LogTaskCreate records the init PID reported by the runtime.
func (l *LifecycleLogger) LogTaskCreate(taskID string, pid int) error {
	return l.writeEvent(LifecycleEvent{
		Event:  EventTaskCreate,
		TaskID: taskID,
		PID:    pid,
	})
}

// LogTaskExit records the observed exit of the init process.
func (l *LifecycleLogger) LogTaskExit(taskID string, pid int, status uint32, exitedAt time.Time) error {
	return l.writeEvent(LifecycleEvent{
		Event:      EventTaskExit,
		TaskID:     taskID,
		PID:        pid,
		ExitStatus: &status,
		ExitedAt:   &exitedAt,
	})
}

// LogTaskDelete records removal of the container.
func (l *LifecycleLogger) LogTaskDelete(taskID string, pid int) error {
	return l.writeEvent(LifecycleEvent{
		Event:  EventTaskDelete,
		TaskID: taskID,
		PID:    pid,
	})
}

// LogShutdown records that the shim stopped serving.
func (l *LifecycleLogger) LogShutdown(taskID, reason string) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventShutdown,
		TaskID:  taskID,
		Message: reason,
	})
}

// writeEvent appends a lifecycle event to the log file.
func (l *LifecycleLogger) writeEvent(event LifecycleEvent) error {
	if l == nil || l.logPath == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.logPath), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// ReadEvents returns every event in the log at path, oldest first.
func ReadEvents(path string) ([]LifecycleEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []LifecycleEvent
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev LifecycleEvent
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("failed to decode lifecycle event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
