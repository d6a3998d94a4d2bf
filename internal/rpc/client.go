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
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tombee/taskshim/internal/listener"
	"github.com/tombee/taskshim/internal/tracing"
)

// Client calls the task service of a shim. Errors are returned as
// pkg/errors types when the server supplied details.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for a "unix://<path>" address. No connection is
// made until the first call.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	if _, err := listener.ParseAddress(address); err != nil {
		return nil, err
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Create creates the task and returns its init pid.
func (c *Client) Create(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	resp := new(CreateTaskResponse)
	if err := c.invoke(ctx, MethodCreate, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Start starts the task.
func (c *Client) Start(ctx context.Context, id string) (*StartResponse, error) {
	resp := new(StartResponse)
	if err := c.invoke(ctx, MethodStart, &StartRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete deletes the task.
func (c *Client) Delete(ctx context.Context, id string) (*DeleteResponse, error) {
	resp := new(DeleteResponse)
	if err := c.invoke(ctx, MethodDelete, &DeleteRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Wait blocks until the task exits or ctx is done.
func (c *Client) Wait(ctx context.Context, id string) (*WaitResponse, error) {
	resp := new(WaitResponse)
	if err := c.invoke(ctx, MethodWait, &WaitRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Kill signals the task.
func (c *Client) Kill(ctx context.Context, id string, signal uint32) error {
	return c.invoke(ctx, MethodKill, &KillRequest{ID: id, Signal: signal}, new(Empty))
}

// Shutdown stops the shim.
func (c *Client) Shutdown(ctx context.Context, id string) error {
	return c.invoke(ctx, MethodShutdown, &ShutdownRequest{ID: id}, new(Empty))
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx = tracing.InjectOutgoing(ctx)
	return fromStatus(c.conn.Invoke(ctx, method, req, resp))
}
