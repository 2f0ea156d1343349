// Copyright 2026 The Tessera Authors
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

// Package dispatch is a transport-agnostic request dispatch core: a
// compressed radix tree for route lookup, pattern layers for linear
// matching, a continuation-passing middleware stack with explicit error
// handlers, and a router composing the three with mounting and grouping.
//
// Handlers drive dispatch by calling next: next(nil) continues the
// pipeline, next(err) switches it into error mode where only error
// handlers run, and not calling next ends the dispatch. The split between
// Handler and ErrorHandler is structural, fixed at registration.
//
// Routers follow a build-then-freeze lifecycle: register everything
// single-threaded, call Freeze, then Handle concurrently.
//
//	r := dispatch.New()
//	r.Use(logRequests)
//	r.Get("/users/:id", showUser).Where("id", `\d+`)
//	r.UseError(renderError)
//	r.Freeze()
package dispatch
