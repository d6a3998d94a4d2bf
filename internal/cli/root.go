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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/taskshim/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for taskshim
func NewRootCommand() *cobra.Command {
	v, c, b := shared.GetVersion()

	cmd := &cobra.Command{
		Use:   "taskshim",
		Short: "Per-container shim driving an OCI runtime",
		Long: `taskshim supervises a single container on behalf of a container manager.

It exposes a small gRPC task API (Create, Start, Kill, Wait, Delete,
Shutdown) on a unix socket, drives an OCI runtime binary such as runc for
each lifecycle step, and reaps the container's init process to report its
exit status.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", v, c, b),
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, config, runtimePath, id := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(runtimePath, "runtime", "", "Path to the OCI runtime binary (default: /usr/sbin/runc)")
	cmd.PersistentFlags().StringVar(id, "id", "", "Task id this shim serves; Create with any other id is rejected")

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
