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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// InheritedFD is the descriptor number under which a detached shim finds
// its listening socket (the first entry of ExtraFiles).
const InheritedFD = 3

// Spawner starts the detached serving process of a shim.
type Spawner struct {
	// Env is the environment of the child process.
	Env []string

	// Dir is the working directory of the child process.
	Dir string
}

// NewSpawner creates a new process spawner inheriting the current
// environment and working directory.
func NewSpawner() *Spawner {
	dir, _ := os.Getwd()
	return &Spawner{
		Env: os.Environ(),
		Dir: dir,
	}
}

// SpawnDetached starts binary with args in a new session. The child:
//   - has stdin on /dev/null and stdout/stderr appended to logPath
//   - receives socket as file descriptor InheritedFD
//   - is released, so the caller never waits for it
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, socket *os.File, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if socket != nil {
		cmd.ExtraFiles = []*os.File{socket}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New session: detached from the caller's terminal and process group
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}
