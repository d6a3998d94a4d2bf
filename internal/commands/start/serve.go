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

package start

import (
	"github.com/spf13/cobra"

	"github.com/tombee/taskshim/internal/commands/shared"
	"github.com/tombee/taskshim/internal/lifecycle"
	"github.com/tombee/taskshim/internal/listener"
)

// NewServeCommand creates the hidden serve command run by start --detach.
func NewServeCommand() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:    "serve",
		Short:  "Serve on an inherited socket",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return shared.NewStartupError("failed to load configuration", err)
			}
			logger := newLogger(cfg)

			ln, err := listener.FromFD(lifecycle.InheritedFD, socketPath)
			if err != nil {
				listener.Remove(socketPath)
				return shared.NewStartupError("failed to use inherited socket", err)
			}

			return serveShim(cmd.Context(), cfg, ln, socketPath, logger)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Path of the inherited socket")
	cmd.MarkFlagRequired("socket")

	return cmd
}
