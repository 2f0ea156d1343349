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

package dispatch

// DiagnosticEvent represents a dispatcher diagnostic or anomaly.
// These are informational events that may indicate configuration issues.
//
// Diagnostic events are optional - the dispatcher functions correctly whether
// they are collected or not.
type DiagnosticEvent struct {
	Kind    DiagnosticKind
	Message string
	Fields  map[string]any // Structured context
}

// DiagnosticKind categorizes diagnostic events.
type DiagnosticKind string

const (
	// DiagRouteOverwritten signals that re-registering a (method, path) pair
	// replaced an existing route (last write wins).
	DiagRouteOverwritten DiagnosticKind = "route_overwritten"

	// DiagMountShadowed signals that a mount prefix is fully covered by an
	// earlier, longer-or-equal mount prefix and can never be selected.
	DiagMountShadowed DiagnosticKind = "mount_shadowed"

	// DiagCacheInvalidated signals that a structural mutation flushed the
	// tree's match cache.
	DiagCacheInvalidated DiagnosticKind = "cache_invalidated"
)

// DiagnosticHandler receives diagnostic events from the dispatcher.
// Implementations may log, emit metrics, trace events, or ignore them.
//
// Example with logging:
//
//	handler := dispatch.DiagnosticHandlerFunc(func(e dispatch.DiagnosticEvent) {
//	    slog.Warn(e.Message, "kind", e.Kind, "fields", e.Fields)
//	})
//	r := dispatch.New(dispatch.WithDiagnostics(handler))
type DiagnosticHandler interface {
	OnDiagnostic(DiagnosticEvent)
}

// DiagnosticHandlerFunc is a function adapter for DiagnosticHandler.
type DiagnosticHandlerFunc func(DiagnosticEvent)

func (f DiagnosticHandlerFunc) OnDiagnostic(e DiagnosticEvent) {
	f(e)
}
