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
Package cli provides the root command for taskshim.

The command tree is:

	taskshim
	├── start     Allocate a socket, print its address and serve
	└── serve     (hidden) Serve on an inherited socket; used by start --detach

Global flags select the OCI runtime binary (--runtime), pin the task id
(--id), load a config file (--config) and enable debug logging (--verbose).
*/
package cli
