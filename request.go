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
	"context"
	"sync/atomic"
)

// MethodUse is the synthetic pseudo-method for verb-agnostic entries.
// Routes and layers registered under MethodUse match any HTTP method, and
// USE layers additionally match by path prefix rather than exact structure.
const MethodUse = "USE"

// Request is the parsed-request abstraction the dispatcher operates on.
// Wire parsing happens upstream; the dispatcher only reads the method, reads
// and rewrites Path/BaseURL during mount delegation, and populates Params
// from route captures.
//
// Path and BaseURL are mutated while a request is delegated to a mounted
// child router and are guaranteed to be restored on every exit path.
type Request struct {
	Method  string
	Path    string
	BaseURL string
	Params  map[string]string

	ctx context.Context
}

// NewRequest creates a request for the given method and path with an empty
// parameter map.
func NewRequest(method, path string) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Params: make(map[string]string),
	}
}

// Context returns the request's context, defaulting to context.Background.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext sets the request's context and returns the request for chaining.
func (r *Request) WithContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// Param returns the value of a captured path parameter, or "" if absent.
func (r *Request) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// Response is the minimal response surface the dispatcher consumes. The
// dispatcher never constructs or inspects response bodies; it only respects
// the "already sent" flag. Framework integrations implement this on their
// own response object (typically backed by a wrapped http.ResponseWriter).
type Response interface {
	// Sent reports whether a response has already been committed.
	Sent() bool
}

// SimpleResponse is a minimal Response implementation suitable for tests and
// for embedding in richer response objects.
type SimpleResponse struct {
	Status int
	Body   any

	sent atomic.Bool
}

// Sent reports whether Send or MarkSent has been called.
func (r *SimpleResponse) Sent() bool { return r.sent.Load() }

// MarkSent flips the sent flag without recording a status or body.
func (r *SimpleResponse) MarkSent() { r.sent.Store(true) }

// Send records a status and body and marks the response as sent.
func (r *SimpleResponse) Send(status int, body any) {
	r.Status = status
	r.Body = body
	r.sent.Store(true)
}

var _ Response = (*SimpleResponse)(nil)

// Next is the continuation passed to every handler. Calling Next(nil)
// advances the chain; calling Next(err) transfers control to the nearest
// downstream error-capable entry, or to the terminal responder when none
// exists.
//
// A handler must call its continuation at most once; extra calls are ignored.
type Next func(err error)

// Handler is an ordinary middleware or route handler. It may complete the
// response, call next to advance the chain, or do both (respecting the
// response's sent flag is the handler's responsibility).
type Handler func(req *Request, res Response, next Next)

// ErrorHandler is an error-capable entry. It is only invoked while an error
// is being carried by the executing chain. Calling next(nil) marks the error
// handled and resumes normal execution; calling next(err) forwards the error
// downstream.
//
// Whether an entry is an error handler is decided once at registration time
// by which registration method was used, never inferred from the handler
// value at call time.
type ErrorHandler func(err error, req *Request, res Response, next Next)
