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
Package task owns the lifecycle of the single task a shim manages.

States advance uncreated → created → running → stopped → deleted and never
move backwards. Create, Start, Kill, Delete and Shutdown are serialized
against each other and may hold that serialization across a runtime
invocation. Wait never takes it: a blocked Wait only needs the short state
lock to register itself, so it cannot hold up a concurrent Kill.

The transition to stopped is driven only by the exit monitor observing the
init process exit. The exit result is written once and fanned out through
a Registry to every pending Wait and cached for later ones.
*/
package task
