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
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one element of a middleware stack: either a plain handler or an
// error handler, never both. The split into two explicit handler types is
// what lets Execute route a carried error without inspecting signatures.
type Entry struct {
	Name    string
	Path    string // "" or "*" applies everywhere; otherwise a boundary prefix
	Handler Handler
	ErrorFn ErrorHandler
	Timeout time.Duration
}

// IsError reports whether the entry is an error handler.
func (e *Entry) IsError() bool { return e.ErrorFn != nil }

func (e *Entry) label(idx int) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("middleware[%d]", idx)
}

// Stack is an ordered middleware pipeline executed with an explicit
// continuation. Each handler receives a next function; calling next runs
// the following applicable entry, calling next(err) switches the pipeline
// into error mode, and not calling next ends the dispatch.
//
// Ordering is registration order. Mutation is setup-phase only; Execute is
// safe for concurrent use once registration has stopped.
type Stack struct {
	entries []Entry
	timeout time.Duration
	final   Finalizer
}

// Finalizer terminates a pipeline that ran off the end of its entries. It
// receives the carried error, nil when dispatch completed cleanly without
// anyone sending a response.
type Finalizer func(err error, req *Request, res Response)

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithStackTimeout bounds each entry's execution. An entry that does not
// call next within the window is abandoned: the pipeline continues with a
// TimeoutError and a late next from the stalled handler is ignored. The
// handler goroutine itself is not cancelled.
func WithStackTimeout(d time.Duration) StackOption {
	return func(s *Stack) {
		s.timeout = d
	}
}

// NewStack creates a stack that falls through to final when the pipeline
// runs off the end. A nil finalizer panics; registration mistakes surface
// at startup, not at dispatch time.
func NewStack(final Finalizer, opts ...StackOption) *Stack {
	if final == nil {
		panic(ErrNilFinalHandler)
	}
	s := &Stack{final: final}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends a plain handler applying to every path.
func (s *Stack) Push(h Handler) *Stack {
	return s.PushAt("", h)
}

// PushAt appends a plain handler scoped to a path prefix. Nil handlers
// panic at registration.
func (s *Stack) PushAt(path string, h Handler) *Stack {
	if h == nil {
		panic(ErrNilHandler)
	}
	s.entries = append(s.entries, Entry{Path: path, Handler: h, Timeout: s.timeout})
	return s
}

// PushNamed appends a plain handler with a name used in timeout errors and
// diagnostics.
func (s *Stack) PushNamed(name string, h Handler) *Stack {
	if h == nil {
		panic(ErrNilHandler)
	}
	s.entries = append(s.entries, Entry{Name: name, Handler: h, Timeout: s.timeout})
	return s
}

// PushError appends an error handler applying to every path.
func (s *Stack) PushError(h ErrorHandler) *Stack {
	return s.PushErrorAt("", h)
}

// PushErrorAt appends an error handler scoped to a path prefix.
func (s *Stack) PushErrorAt(path string, h ErrorHandler) *Stack {
	if h == nil {
		panic(ErrNilHandler)
	}
	s.entries = append(s.entries, Entry{Path: path, ErrorFn: h, Timeout: s.timeout})
	return s
}

// PushMany appends plain handlers in order.
func (s *Stack) PushMany(hs ...Handler) *Stack {
	for _, h := range hs {
		s.Push(h)
	}
	return s
}

// Len returns the number of entries.
func (s *Stack) Len() int { return len(s.entries) }

// Entries returns the underlying entries. The slice is shared; callers must
// not mutate it during dispatch.
func (s *Stack) Entries() []Entry { return s.entries }

// Clone returns a stack with a copied entry slice sharing the same final
// handler and timeout.
func (s *Stack) Clone() *Stack {
	return &Stack{
		entries: append([]Entry(nil), s.entries...),
		timeout: s.timeout,
		final:   s.final,
	}
}

// Merge appends every entry of other with its scope rebased under prefix,
// preserving both orders. A prefix of "", "*" or "/" keeps the entries' own
// scopes; otherwise an unscoped entry adopts the prefix and a scoped one
// gets the prefix joined in front. The receiving stack's final handler and
// timeout win, merged entries included.
func (s *Stack) Merge(other *Stack, prefix string) *Stack {
	rebase := prefix != "" && prefix != "*" && prefix != "/"
	for _, e := range other.entries {
		if rebase {
			if e.Path == "" || e.Path == "*" || e.Path == "/" {
				e.Path = prefix
			} else {
				e.Path = joinPaths(prefix, e.Path)
			}
		}
		e.Timeout = s.timeout
		s.entries = append(s.entries, e)
	}
	return s
}

// FilterByPath returns the entries whose scope applies to path, in order.
// Introspection only; Execute does its own scoping inline.
func (s *Stack) FilterByPath(path string) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if pathApplies(e.Path, path) {
			out = append(out, e)
		}
	}
	return out
}

// FirstErrorIndex returns the index of the first error-handler entry, or -1.
func (s *Stack) FirstErrorIndex() int {
	for i := range s.entries {
		if s.entries[i].IsError() {
			return i
		}
	}
	return -1
}

// pathApplies implements prefix scoping at segment boundaries: scope ""
// and "*" match everything, "/" matches everything, and "/api" matches
// /api and /api/users but not /apix.
func pathApplies(scope, path string) bool {
	if scope == "" || scope == "*" || scope == "/" {
		return true
	}
	if !strings.HasPrefix(path, scope) {
		return false
	}
	rest := path[len(scope):]
	return rest == "" || rest[0] == '/'
}

// Execute runs the pipeline from the top with no carried error.
func (s *Stack) Execute(req *Request, res Response) {
	s.ExecuteFrom(0, nil, req, res)
}

// ExecuteFrom runs the pipeline starting at entry index start with an
// optional carried error. When err is non-nil only error handlers run;
// when it is nil error handlers are skipped. A handler's next(e) replaces
// the carried error, so next(nil) from an error handler resumes normal
// flow.
func (s *Stack) ExecuteFrom(start int, initialErr error, req *Request, res Response) {
	s.ExecuteWith(start, initialErr, req, res, s.final)
}

// ExecuteWith is ExecuteFrom with the finalizer overridden for this one
// dispatch. The router uses it to thread per-request routing state through
// the terminal without cloning the stack.
func (s *Stack) ExecuteWith(start int, initialErr error, req *Request, res Response, final Finalizer) {
	var step func(idx int, err error)
	step = func(idx int, err error) {
		for ; idx < len(s.entries); idx++ {
			e := &s.entries[idx]
			if !pathApplies(e.Path, req.Path) {
				continue
			}
			if (err != nil) != e.IsError() {
				continue
			}
			next := func(nextErr error) {
				step(idx+1, nextErr)
			}
			s.invoke(e, idx, err, req, res, next)
			return
		}
		// Off the end: an unhandled error or a clean fall-through both land
		// on the finalizer.
		final(err, req, res)
	}
	step(start, initialErr)
}

// invoke runs one entry with panic recovery and the optional timeout race.
//
// The once gate makes double next calls no-ops and, under a timeout,
// arbitrates between the handler's own next and the timer; whichever fires
// first owns the continuation and the loser does nothing. With a timeout
// the handler runs in its own goroutine so a stalled handler cannot block
// the pipeline; without one it runs inline.
func (s *Stack) invoke(e *Entry, idx int, err error, req *Request, res Response, next Next) {
	var once sync.Once
	gated := func(nextErr error) {
		once.Do(func() {
			next(nextErr)
		})
	}

	run := func(next Next) {
		defer func() {
			if v := recover(); v != nil {
				next(&PanicError{Value: v})
			}
		}()
		if e.IsError() {
			e.ErrorFn(err, req, res, next)
		} else {
			e.Handler(req, res, next)
		}
	}

	if e.Timeout <= 0 {
		run(gated)
		return
	}

	timer := time.AfterFunc(e.Timeout, func() {
		gated(&TimeoutError{Entry: e.label(idx), Timeout: e.Timeout})
	})
	go func() {
		defer timer.Stop()
		run(gated)
	}()
}
