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
	"context"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tombee/taskshim/internal/log"
)

// relayedSignals are forwarded to a running task and otherwise stop the
// shim.
var relayedSignals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGQUIT}

// signalForwarder delivers a signal to the running task, if any.
type signalForwarder interface {
	ForwardSignal(sig unix.Signal) (bool, error)
}

// relaySignals forwards each signal to the running task. A signal that
// arrives while no task is running calls stop and ends the relay. A
// failed forward leaves the shim serving.
func relaySignals(ctx context.Context, sigs <-chan os.Signal, task signalForwarder, stop func(), logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sigs:
			sig, ok := s.(unix.Signal)
			if !ok {
				continue
			}

			forwarded, err := task.ForwardSignal(sig)
			if err != nil {
				logger.Warn("failed to forward signal to task", "signal", sig.String(), log.Error(err))
				continue
			}
			if forwarded {
				logger.Info("forwarded signal to task", "signal", sig.String())
				continue
			}

			logger.Info("stopping on signal", "signal", sig.String())
			stop()
			return
		}
	}
}
