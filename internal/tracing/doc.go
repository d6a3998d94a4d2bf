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
Package tracing sets up OpenTelemetry tracing for the shim.

Setup installs a tracer provider for the configured exporter ("none",
"stdout" or "otlp") and the W3C trace context propagator. Runtime
invocations and task operations start spans from Tracer.

# Propagation

Trace context crosses the task service boundary in gRPC metadata. The
client injects it with InjectOutgoing and the server interceptor
restores it with ExtractIncoming, so spans created while serving a call
are children of the caller's span.
*/
package tracing
