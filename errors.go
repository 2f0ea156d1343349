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

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyPath indicates that a route or middleware path is empty.
	ErrEmptyPath = errors.New("path must not be empty")

	// ErrInvalidPath indicates that a path does not start with '/'.
	ErrInvalidPath = errors.New("path must start with '/'")

	// ErrNoHandlers indicates that a route was registered without handlers.
	ErrNoHandlers = errors.New("route requires at least one handler")

	// ErrNilHandler indicates that a nil handler was passed at registration.
	ErrNilHandler = errors.New("nil handler")

	// ErrNilFinalHandler indicates that a stack was built without a finalizer.
	ErrNilFinalHandler = errors.New("final handler must not be nil")

	// ErrNilRouter indicates that a nil child router was mounted.
	ErrNilRouter = errors.New("nil router")

	// ErrFrozen indicates a registration attempt after Freeze.
	ErrFrozen = errors.New("router is frozen")

	// ErrInvalidPattern indicates that a path pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid path pattern")

	// ErrOptionalNotLast indicates an optional parameter in a non-final segment
	// of a tree path, which the radix tree does not support.
	ErrOptionalNotLast = errors.New("optional parameter must be the final segment")

	// ErrCatchAllNotLast indicates a catch-all segment followed by more segments.
	ErrCatchAllNotLast = errors.New("catch-all must be the final segment")
)

// TimeoutError is fed into the chain when an entry loses its timeout race.
// The in-flight handler is not cancelled; the chain simply stops waiting on
// it and its eventual continuation call is discarded.
type TimeoutError struct {
	Entry   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("middleware %q timed out after %s", e.Entry, e.Timeout)
}

// Is reports whether target is a TimeoutError, enabling errors.Is matching
// against the zero value.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// PanicError wraps a value recovered from a panicking handler so it can be
// carried through the chain like any other execution error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
