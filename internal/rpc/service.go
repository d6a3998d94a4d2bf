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

	"google.golang.org/grpc"

	"github.com/tombee/taskshim/internal/task"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "taskshim.v1.Task"

// Full method names.
const (
	MethodCreate   = "/" + ServiceName + "/Create"
	MethodStart    = "/" + ServiceName + "/Start"
	MethodDelete   = "/" + ServiceName + "/Delete"
	MethodWait     = "/" + ServiceName + "/Wait"
	MethodKill     = "/" + ServiceName + "/Kill"
	MethodShutdown = "/" + ServiceName + "/Shutdown"
)

// TaskServer is the server API of the task service.
type TaskServer interface {
	Create(context.Context, *CreateTaskRequest) (*CreateTaskResponse, error)
	Start(context.Context, *StartRequest) (*StartResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Wait(context.Context, *WaitRequest) (*WaitResponse, error)
	Kill(context.Context, *KillRequest) (*Empty, error)
	Shutdown(context.Context, *ShutdownRequest) (*Empty, error)
}

// ServiceDesc describes the task service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(MethodCreate, TaskServer.Create)},
		{MethodName: "Start", Handler: unaryHandler(MethodStart, TaskServer.Start)},
		{MethodName: "Delete", Handler: unaryHandler(MethodDelete, TaskServer.Delete)},
		{MethodName: "Wait", Handler: unaryHandler(MethodWait, TaskServer.Wait)},
		{MethodName: "Kill", Handler: unaryHandler(MethodKill, TaskServer.Kill)},
		{MethodName: "Shutdown", Handler: unaryHandler(MethodShutdown, TaskServer.Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskshim/v1/task.proto",
}

// RegisterTaskServer registers impl on s.
func RegisterTaskServer(s grpc.ServiceRegistrar, impl TaskServer) {
	s.RegisterService(&ServiceDesc, impl)
}

// unaryHandler adapts a TaskServer method to a grpc.MethodHandler.
func unaryHandler[Req, Resp any](fullMethod string, call func(TaskServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TaskServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TaskServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// taskService implements TaskServer on top of a task.Manager.
type taskService struct {
	manager *task.Manager
}

func (s *taskService) Create(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	pid, err := s.manager.Create(ctx, task.CreateRequest{
		ID:     req.ID,
		Bundle: req.Bundle,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreateTaskResponse{Pid: uint32(pid)}, nil
}

func (s *taskService) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	pid, err := s.manager.Start(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StartResponse{Pid: uint32(pid)}, nil
}

func (s *taskService) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	pid, err := s.manager.Delete(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeleteResponse{Pid: uint32(pid)}, nil
}

func (s *taskService) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	res, err := s.manager.Wait(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WaitResponse{ExitStatus: res.ExitStatus, ExitedAt: res.ExitedAt}, nil
}

func (s *taskService) Kill(ctx context.Context, req *KillRequest) (*Empty, error) {
	if err := s.manager.Kill(ctx, req.ID, req.Signal); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *taskService) Shutdown(ctx context.Context, req *ShutdownRequest) (*Empty, error) {
	if err := s.manager.Shutdown(ctx, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}
