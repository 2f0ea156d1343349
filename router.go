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
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Router ties the pieces together: a middleware stack that runs before
// routing, a tree for primary route lookup, an ordered layer list as the
// linear fallback, and mounted sub-routers dispatched by path prefix.
//
// Registration (Route, Use, Mount, Group) is setup-phase only and panics on
// invalid input; Handle is safe for concurrent use after Freeze. Handle
// before Freeze works but must not race registration.
type Router struct {
	tree   *Tree
	layers []*Layer
	stack  *Stack
	mounts []mountPoint

	mergeParams bool
	timeout     time.Duration
	cacheSize   int
	logger      *slog.Logger
	tracer      trace.Tracer
	diag        DiagnosticHandler
	metrics     *dispatchMetrics

	frozen atomic.Bool
}

type mountPoint struct {
	prefix string
	child  *Router
}

// Option configures a Router.
type Option func(*Router)

// WithMergeParams makes route parameters merge into parameters already on
// the request instead of replacing them. Existing keys are overwritten by
// the route's own captures.
func WithMergeParams() Option {
	return func(r *Router) { r.mergeParams = true }
}

// WithHandlerTimeout bounds every middleware entry's execution. Zero
// disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithCacheSize bounds the tree's match cache. Zero or less disables it.
func WithCacheSize(max int) Option {
	return func(r *Router) { r.cacheSize = max }
}

// WithLogger sets the router's logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer enables per-dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithDiagnostics registers a handler for structural diagnostics such as
// route overwrites and shadowed mounts.
func WithDiagnostics(h DiagnosticHandler) Option {
	return func(r *Router) { r.diag = h }
}

// WithMetrics enables Prometheus counters on the default registry.
func WithMetrics() Option {
	return func(r *Router) { r.metrics = getDispatchMetrics() }
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{
		cacheSize: defaultTreeCacheSize,
		logger:    noopLogger,
		tracer:    noopTracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	treeOpts := []TreeOption{
		WithTreeCacheSize(r.cacheSize),
		WithTreeLogger(r.logger),
	}
	if r.diag != nil {
		treeOpts = append(treeOpts, WithTreeDiagnostics(r.diag))
	}
	if r.metrics != nil {
		treeOpts = append(treeOpts, WithTreeMetrics())
	}
	r.tree = NewTree(treeOpts...)

	var stackOpts []StackOption
	if r.timeout > 0 {
		stackOpts = append(stackOpts, WithStackTimeout(r.timeout))
	}
	r.stack = NewStack(r.finish, stackOpts...)
	return r
}

// Freeze marks the end of the setup phase. Registration after Freeze
// panics; Handle is safe for concurrent use from here on.
func (r *Router) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Router) Frozen() bool {
	return r.frozen.Load()
}

func (r *Router) mutable() {
	if r.frozen.Load() {
		panic(ErrFrozen)
	}
}

// Route registers handlers for (method, path) and returns the route for
// constraint and metadata chaining. Invalid patterns and empty or nil
// handler lists panic.
func (r *Router) Route(method, path string, handlers ...Handler) *Route {
	r.mutable()
	rt, err := r.tree.Add(method, path, handlers)
	if err != nil {
		panic(fmt.Errorf("route %s %s: %w", method, path, err))
	}
	layer, err := NewLayer(method, path, handlers...)
	if err != nil {
		panic(fmt.Errorf("route %s %s: %w", method, path, err))
	}
	layer.route = rt
	layer.metrics = r.metrics
	for _, c := range rt.constraints {
		layer.addConstraint(c)
	}
	rt.layers = append(rt.layers, layer)
	r.layers = append(r.layers, layer)
	return rt
}

// Get registers a GET route.
func (r *Router) Get(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodGet, path, handlers...)
}

// Post registers a POST route.
func (r *Router) Post(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodPost, path, handlers...)
}

// Put registers a PUT route.
func (r *Router) Put(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodPut, path, handlers...)
}

// Delete registers a DELETE route.
func (r *Router) Delete(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodDelete, path, handlers...)
}

// Patch registers a PATCH route.
func (r *Router) Patch(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodPatch, path, handlers...)
}

// Head registers a HEAD route.
func (r *Router) Head(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodHead, path, handlers...)
}

// Options registers an OPTIONS route.
func (r *Router) Options(path string, handlers ...Handler) *Route {
	return r.Route(http.MethodOptions, path, handlers...)
}

// All registers handlers under the synthetic USE method: the route matches
// every request method, and a concrete-method registration on the same path
// takes precedence over it.
func (r *Router) All(path string, handlers ...Handler) *Route {
	return r.Route(MethodUse, path, handlers...)
}

// Use appends middleware applying to every path.
func (r *Router) Use(handlers ...Handler) *Router {
	r.mutable()
	for _, h := range handlers {
		r.stack.Push(h)
	}
	return r
}

// UseAt appends middleware scoped to a path prefix at segment boundaries:
// "/api" applies to /api and /api/users but not /apix.
func (r *Router) UseAt(path string, handlers ...Handler) *Router {
	r.mutable()
	for _, h := range handlers {
		r.stack.PushAt(path, h)
	}
	return r
}

// UseNamed appends one named middleware; the name shows up in timeout
// errors instead of a positional label.
func (r *Router) UseNamed(name string, h Handler) *Router {
	r.mutable()
	r.stack.PushNamed(name, h)
	return r
}

// UseError appends an error handler applying to every path. Error handlers
// only run while an error is being carried.
func (r *Router) UseError(h ErrorHandler) *Router {
	r.mutable()
	r.stack.PushError(h)
	return r
}

// UseErrorAt appends an error handler scoped to a path prefix.
func (r *Router) UseErrorAt(path string, h ErrorHandler) *Router {
	r.mutable()
	r.stack.PushErrorAt(path, h)
	return r
}

// Mount attaches child under prefix as an isolated sub-router: the child
// keeps its own stack, tree and error handlers, and sees paths with the
// prefix stripped. The longest matching mount prefix wins when mounts nest;
// a duplicate prefix loses to the earlier registration and is reported as a
// diagnostic.
func (r *Router) Mount(prefix string, child *Router) *Router {
	r.mutable()
	if child == nil {
		panic(ErrNilRouter)
	}
	prefix = normalizeMountPrefix(prefix)
	for _, m := range r.mounts {
		if m.prefix == prefix {
			r.logger.Warn("mount prefix already in use; earlier mount shadows this one", "prefix", prefix)
			r.emitDiag(DiagMountShadowed, "duplicate mount prefix", map[string]any{"prefix": prefix})
		}
	}
	r.mounts = append(r.mounts, mountPoint{prefix: prefix, child: child})
	return r
}

func (r *Router) emitDiag(kind DiagnosticKind, msg string, fields map[string]any) {
	if r.diag != nil {
		r.diag.OnDiagnostic(DiagnosticEvent{Kind: kind, Message: msg, Fields: fields})
	}
}

// dispatchState is the per-request routing context threaded through the
// stack finalizer. routed guards against re-entering routing when an error
// handler clears the error and the pipeline falls through a second time.
type dispatchState struct {
	r        *Router
	final    Finalizer
	routed   bool
	matched  string
	finalErr error
}

// Handle dispatches one request with the router's built-in terminal
// responder, which answers unmatched requests with 404 and unhandled
// errors with 500 when the Response supports sending.
func (r *Router) Handle(req *Request, res Response) {
	r.HandleWith(req, res, r.finish)
}

// HandleWith dispatches one request: the middleware stack runs first, then
// routing (tree lookup, then mounts by longest prefix, then the linear
// layer scan), then the matched route's handlers. final is the caller's
// terminal: it gets a nil error when nothing matched or a chain ran out
// without responding, and the carried error when no error middleware
// handled it. A handler that responds and stops calling next ends the
// dispatch without reaching final.
func (r *Router) HandleWith(req *Request, res Response, final Finalizer) {
	if final == nil {
		panic(ErrNilFinalHandler)
	}
	state := &dispatchState{r: r, final: final}
	if r.tracer != noopTracer {
		traced, end := startDispatchSpan(r.tracer, req)
		var once sync.Once
		endSpan := func() {
			once.Do(func() { end(state.finalErr, state.matched) })
		}
		state.final = func(err error, req *Request, res Response) {
			state.finalErr = err
			final(err, req, res)
			endSpan()
		}
		// Entries under a timeout run on goroutines, so ExecuteWith can
		// return while the chain is still in flight; the span must close at
		// chain completion, not here. A response already sent at return
		// means a handler finished the dispatch without reaching the
		// terminal, which is the one completed path the wrapper misses.
		defer func() {
			if res.Sent() {
				endSpan()
			}
		}()
		req = traced
	}
	r.stack.ExecuteWith(0, nil, req, res, state.route)
}

// route is the stack finalizer: a clean fall-through enters routing once;
// a carried error or a second fall-through goes straight to the terminal.
func (d *dispatchState) route(err error, req *Request, res Response) {
	if err != nil || d.routed {
		d.final(err, req, res)
		return
	}
	d.routed = true
	d.dispatch(req, res)
}

func (d *dispatchState) dispatch(req *Request, res Response) {
	r := d.r

	// Own routes first.
	if match := r.tree.Find(req.Method, req.Path); match != nil {
		d.matched = match.MatchedPath
		r.applyParams(req, match.Params)
		d.runChain(match.Route.handlers, req, res)
		return
	}

	// Tree miss: delegate to the mounted child with the longest matching
	// prefix. The child sees the path relative to its mount point. The
	// child pipeline can outlive this call when its entries run under a
	// timeout, so the rewrite is undone at chain completion rather than on
	// return: in the child's terminal, or at return when a handler already
	// sent the response and ended the dispatch without one.
	if m := r.selectMount(req.Path); m != nil {
		prevPath, prevBase := req.Path, req.BaseURL
		var once sync.Once
		restore := func() {
			once.Do(func() {
				req.Path, req.BaseURL = prevPath, prevBase
			})
		}
		req.Path = stripMountPrefix(req.Path, m.prefix)
		req.BaseURL = prevBase + m.prefix
		defer func() {
			if v := recover(); v != nil {
				restore()
				panic(v)
			}
			if res.Sent() {
				restore()
			}
		}()
		m.child.HandleWith(req, res, func(err error, req *Request, res Response) {
			restore()
			d.final(err, req, res)
		})
		return
	}

	// Last resort: linear scan over the registered layers in registration
	// order. This catches shapes the compressed tree no longer holds and
	// keeps lookup behavior uniform with layer semantics.
	for _, l := range r.layers {
		if !l.Match(req.Method, req.Path) {
			continue
		}
		d.matched = l.Path()
		if params := l.Params(req.Path); params != nil {
			r.applyParams(req, params)
		}
		d.runChain(l.handlers, req, res)
		return
	}

	d.final(nil, req, res)
}

// selectMount returns the mount with the longest prefix that applies to
// path at a segment boundary, or nil.
func (r *Router) selectMount(path string) *mountPoint {
	var best *mountPoint
	for i := range r.mounts {
		m := &r.mounts[i]
		if !pathApplies(m.prefix, path) {
			continue
		}
		if best == nil || len(m.prefix) > len(best.prefix) {
			best = m
		}
	}
	return best
}

func (r *Router) applyParams(req *Request, params map[string]string) {
	if r.mergeParams && req.Params != nil {
		for k, v := range params {
			req.Params[k] = v
		}
		return
	}
	req.Params = params
}

// runChain executes a matched handler chain. next(err) from any handler
// re-enters the router stack in error mode so scoped error middleware gets
// a shot before the terminal; exhausting the chain without a response goes
// straight to the terminal.
func (d *dispatchState) runChain(handlers []Handler, req *Request, res Response) {
	var step func(i int, err error)
	step = func(i int, err error) {
		if err != nil {
			d.r.stack.ExecuteWith(0, err, req, res, d.route)
			return
		}
		if i >= len(handlers) {
			d.final(nil, req, res)
			return
		}
		h := handlers[i]
		var once sync.Once
		next := func(e error) {
			once.Do(func() { step(i+1, e) })
		}
		defer func() {
			if v := recover(); v != nil {
				next(&PanicError{Value: v})
			}
		}()
		h(req, res, next)
	}
	step(0, nil)
}

// sender is the optional write side of a Response. The terminal responder
// uses it when available; a response type without it just gets logged.
type sender interface {
	Send(status int, body any)
}

// finish is the terminal responder: it answers anything the pipeline left
// unanswered with 404 (no match) or 500 (unhandled error) and stays silent
// when a handler already sent.
func (r *Router) finish(err error, req *Request, res Response) {
	if res.Sent() {
		if err != nil {
			r.logger.Error("error after response sent", "method", req.Method, "path", req.Path, "error", err)
		}
		return
	}
	if err != nil {
		r.logger.Error("unhandled dispatch error", "method", req.Method, "path", req.Path, "error", err)
		if s, ok := res.(sender); ok {
			s.Send(http.StatusInternalServerError, err.Error())
		}
		return
	}
	if s, ok := res.(sender); ok {
		s.Send(http.StatusNotFound, "not found")
	}
}

// Routes returns every route registered directly on this router. Mounted
// children keep their own tables.
func (r *Router) Routes() []*Route {
	return r.tree.Routes()
}

// RouterStats is an observability snapshot.
type RouterStats struct {
	Tree       TreeStats
	Layers     int
	Middleware int
	Mounts     int
}

// Stats returns an observability snapshot of this router.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Tree:       r.tree.Stats(),
		Layers:     len(r.layers),
		Middleware: r.stack.Len(),
		Mounts:     len(r.mounts),
	}
}
