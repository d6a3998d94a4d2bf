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

package task

// State is a task's lifecycle state. States only advance.
type State int

const (
	StateUncreated State = iota
	StateCreated
	StateRunning
	StateStopped
	StateDeleted
)

var stateNames = [...]string{
	StateUncreated: "uncreated",
	StateCreated:   "created",
	StateRunning:   "running",
	StateStopped:   "stopped",
	StateDeleted:   "deleted",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
