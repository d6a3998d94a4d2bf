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

// Package start implements the commands that bring a shim up.
package start

import (
	"log/slog"
	"os"

	"github.com/tombee/taskshim/internal/commands/shared"
	"github.com/tombee/taskshim/internal/config"
	"github.com/tombee/taskshim/internal/log"
)

// loadConfig loads the config file and environment, then applies the
// global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}

	if p := shared.GetRuntimePath(); p != "" {
		cfg.Runtime.Path = p
	}
	if id := shared.GetTaskID(); id != "" {
		cfg.TaskID = id
	}
	if shared.GetVerbose() {
		cfg.Log.Level = "debug"
		cfg.Runtime.Debug = true
	}
	return cfg, nil
}

// newLogger builds the process logger. TASKSHIM_DEBUG still wins so a
// misbehaving shim can be debugged without editing its config.
func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}
	if env := log.FromEnv(); env.Level == "debug" && os.Getenv("TASKSHIM_DEBUG") != "" {
		logCfg.Level = env.Level
		logCfg.AddSource = true
	}
	return log.New(logCfg)
}

// childArgs are the global flags forwarded to a detached serve process.
func childArgs() []string {
	var args []string
	if p := shared.GetConfigPath(); p != "" {
		args = append(args, "--config", p)
	}
	if p := shared.GetRuntimePath(); p != "" {
		args = append(args, "--runtime", p)
	}
	if id := shared.GetTaskID(); id != "" {
		args = append(args, "--id", id)
	}
	if shared.GetVerbose() {
		args = append(args, "--verbose")
	}
	return args
}
