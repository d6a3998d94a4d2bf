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

package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tombee/taskshim/internal/log"
	"github.com/tombee/taskshim/internal/metrics"
	"github.com/tombee/taskshim/internal/task"
	"github.com/tombee/taskshim/internal/tracing"
)

// RequestIDHeader is the response header carrying the request id.
const RequestIDHeader = "x-request-id"

// ErrServerClosed is returned by Serve on a server that already stopped.
var ErrServerClosed = errors.New("rpc: server closed")

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// ShutdownTimeout bounds the graceful stop. In-flight calls still
	// running afterwards are cancelled.
	// Default: 10 seconds
	ShutdownTimeout time.Duration

	// Logger is the structured logger for server events.
	// If nil, logging is discarded.
	Logger *slog.Logger
}

// DefaultConfig returns a ServerConfig with defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		ShutdownTimeout: 10 * time.Second,
		Logger:          log.Discard(),
	}
}

// Server serves the task service for one manager.
type Server struct {
	config  *ServerConfig
	logger  *slog.Logger
	manager *task.Manager
	grpc    *grpc.Server
	health  *health.Server

	mu     sync.Mutex
	closed bool
}

// NewServer creates a server dispatching to manager.
func NewServer(manager *task.Manager, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Discard()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:  config,
		logger:  log.WithComponent(config.Logger, "rpc"),
		manager: manager,
		health:  health.NewServer(),
	}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	RegisterTaskServer(s.grpc, &taskService{manager: manager})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Serve accepts connections on ln until a Shutdown RPC succeeds or ctx is
// cancelled, then stops gracefully. It returns nil on a clean stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(ln)
	}()

	s.logger.Info("rpc server started", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		s.health.Shutdown()
		return err
	case <-s.manager.Done():
		s.stop("shutdown requested")
	case <-ctx.Done():
		s.stop("context cancelled")
	}

	return <-errCh
}

// stop drains in-flight calls, giving up after the shutdown timeout.
func (s *Server) stop(reason string) {
	s.logger.Info("rpc server stopping", "reason", reason)
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("graceful stop timed out, cancelling in-flight calls",
			"timeout", s.config.ShutdownTimeout)
		s.grpc.Stop()
		<-stopped
	}
	s.logger.Info("rpc server stopped")
}

// unaryInterceptor assigns a request id, logs the call and records metrics.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = tracing.ExtractIncoming(ctx)
	requestID := uuid.NewString()
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

	logReq := &log.RPCRequest{
		Method:    info.FullMethod,
		RequestID: requestID,
	}
	if tr, ok := req.(taskRequest); ok {
		logReq.TaskID = tr.taskID()
	}

	logger := log.WithRequestID(s.logger, requestID)
	log.LogRPCRequest(logger, logReq)

	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	logResp := &log.RPCResponse{
		Code:       code.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		logResp.Error = status.Convert(err).Message()
	}
	log.LogRPCResponse(logger, logReq, logResp)
	metrics.RecordRPC(path.Base(info.FullMethod), code.String())

	return resp, err
}
