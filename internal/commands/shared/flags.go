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

// Package shared holds state common to taskshim commands: global flags,
// build version and exit code handling.
package shared

var (
	verboseFlag bool
	configFlag  string
	runtimeFlag string
	idFlag      string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers for the root command's persistent
// flags: verbose, config, runtime, id.
func RegisterFlagPointers() (*bool, *string, *string, *string) {
	return &verboseFlag, &configFlag, &runtimeFlag, &idFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetConfigPath returns the --config flag value
func GetConfigPath() string {
	return configFlag
}

// GetRuntimePath returns the --runtime flag value
func GetRuntimePath() string {
	return runtimeFlag
}

// GetTaskID returns the --id flag value
func GetTaskID() string {
	return idFlag
}

// SetFlagsForTest overrides flag values.
func SetFlagsForTest(verbose bool, config, runtime, id string) {
	verboseFlag = verbose
	configFlag = config
	runtimeFlag = runtime
	idFlag = id
}
