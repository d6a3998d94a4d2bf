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

// Package listener allocates and binds the shim's unix socket.
package listener

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/tombee/taskshim/pkg/errors"
)

// Scheme is the address prefix understood by gRPC's unix resolver.
const Scheme = "unix://"

// maxAttempts bounds retries when a generated name is already bound.
const maxAttempts = 16

// ErrInvalidAddress is returned for addresses without the unix:// scheme.
var ErrInvalidAddress = errors.New("listener: invalid address")

// nameFunc generates socket names; replaced in tests.
var nameFunc = func() string {
	return strconv.FormatUint(rand.Uint64(), 10)
}

// Allocate returns a fresh socket path under dir. The name is a large
// random integer, so concurrent shims sharing dir do not collide.
func Allocate(dir string) string {
	return filepath.Join(dir, nameFunc()+".sock")
}

// Listen allocates a socket path under dir and binds it. It retries with
// a new name if the generated one is already in use.
func Listen(dir string) (*net.UnixListener, string, error) {
	if err := os.MkdirAll(dir, 0711); err != nil {
		return nil, "", errors.Wrap(err, "failed to create socket directory")
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		path := Allocate(dir)
		ln, err := listenUnix(path)
		if err == nil {
			return ln, path, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", errors.Wrapf(lastErr, "failed to allocate a unique socket in %s", dir)
}

// listenUnix binds a unix socket at path. Unlike a daemon with a fixed
// path, a stale file is never removed: the name is random, so an existing
// file belongs to another shim.
func listenUnix(path string) (*net.UnixListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen on Unix socket")
	}

	// Set socket permissions (owner only)
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "failed to set socket permissions")
	}

	return ln, nil
}

// FromFD wraps an inherited listening socket, as passed to a detached
// shim by its parent.
func FromFD(fd uintptr, path string) (*net.UnixListener, error) {
	f := os.NewFile(fd, path)
	if f == nil {
		return nil, fmt.Errorf("listener: fd %d is not valid", fd)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, errors.Wrapf(err, "listener: fd %d", fd)
	}
	uln, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener: fd %d is not a unix socket", fd)
	}
	return uln, nil
}

// Address formats a socket path as a dialable address.
func Address(path string) string {
	return Scheme + path
}

// ParseAddress extracts the socket path from a unix:// address.
func ParseAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, Scheme) {
		return "", fmt.Errorf("%w: %q (must start with %s)", ErrInvalidAddress, addr, Scheme)
	}
	path := strings.TrimPrefix(addr, Scheme)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q (path must be absolute)", ErrInvalidAddress, addr)
	}
	return path, nil
}

// Remove deletes the socket file, ignoring a file that is already gone.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove socket")
	}
	return nil
}
