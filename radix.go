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
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tessera.dev/dispatch/route"
)

// nodeKind discriminates the three node types of the route tree.
type nodeKind uint8

const (
	staticKind nodeKind = iota
	paramKind
	catchAllKind
)

// treeNode is a node in the compressed route tree.
//
// Invariants:
//   - at most one param child and at most one catch-all child per node
//   - static children are keyed by leading byte; no two static children at
//     the same level share a non-empty common prefix (splitting maintains
//     this on every insert)
//   - parent is structural bookkeeping only (pruning after Remove), never
//     ownership
//
// For static nodes segment is the edge text, possibly a partial path segment
// after a split. For param and catch-all nodes segment is the capture name.
type treeNode struct {
	segment    string
	kind       nodeKind
	children   map[byte]*treeNode
	paramChild *treeNode
	wildChild  *treeNode
	routes     map[string]*Route
	priority   uint32
	depth      int
	parent     *treeNode
}

// routeFor returns the route for the exact method, falling back to the
// synthetic USE method. Exact-method routes take precedence.
func (n *treeNode) routeFor(method string) *Route {
	if n.routes == nil {
		return nil
	}
	if r := n.routes[method]; r != nil {
		return r
	}
	return n.routes[MethodUse]
}

func (n *treeNode) empty() bool {
	return len(n.routes) == 0 && len(n.children) == 0 && n.paramChild == nil && n.wildChild == nil
}

// insertStatic descends from n along one path segment, creating or splitting
// static nodes as needed, and returns the node at the segment's end.
//
// When an existing child shares only a partial prefix with the segment, the
// child is split into a shortened prefix node plus an intermediate node
// carrying the remainder; the original child's children, routes and priority
// move to the remainder node. This keeps the tree compressed at all times.
func (n *treeNode) insertStatic(seg string) *treeNode {
	cur, rest := n, seg
	for {
		if cur.children == nil {
			cur.children = make(map[byte]*treeNode, 2)
		}
		child := cur.children[rest[0]]
		if child == nil {
			child = &treeNode{kind: staticKind, segment: rest, parent: cur, depth: cur.depth + 1}
			cur.children[rest[0]] = child
			return child
		}
		child.priority++

		cp := commonPrefixLen(rest, child.segment)
		if cp < len(child.segment) {
			// Partial overlap: split the child at the common prefix.
			remainder := &treeNode{
				kind:       staticKind,
				segment:    child.segment[cp:],
				children:   child.children,
				paramChild: child.paramChild,
				wildChild:  child.wildChild,
				routes:     child.routes,
				priority:   child.priority,
				parent:     child,
				depth:      child.depth + 1,
			}
			for _, gc := range remainder.children {
				gc.parent = remainder
				gc.bumpDepth()
			}
			if remainder.paramChild != nil {
				remainder.paramChild.parent = remainder
				remainder.paramChild.bumpDepth()
			}
			if remainder.wildChild != nil {
				remainder.wildChild.parent = remainder
				remainder.wildChild.bumpDepth()
			}
			child.segment = child.segment[:cp]
			child.children = map[byte]*treeNode{remainder.segment[0]: remainder}
			child.paramChild = nil
			child.wildChild = nil
			child.routes = nil
		}

		rest = rest[cp:]
		cur = child
		if rest == "" {
			return cur
		}
	}
}

// bumpDepth re-derives depth from the parent chain for this subtree.
// Called after a split shifts part of the tree one level down.
func (n *treeNode) bumpDepth() {
	n.depth = n.parent.depth + 1
	for _, c := range n.children {
		c.bumpDepth()
	}
	if n.paramChild != nil {
		n.paramChild.bumpDepth()
	}
	if n.wildChild != nil {
		n.wildChild.bumpDepth()
	}
}

// findStatic walks one full path segment under n, traversing split nodes.
// Returns nil if the segment does not match a static chain exactly.
func (n *treeNode) findStatic(seg string) *treeNode {
	cur, rest := n, seg
	for {
		if cur.children == nil {
			return nil
		}
		child := cur.children[rest[0]]
		if child == nil || !strings.HasPrefix(rest, child.segment) {
			return nil
		}
		rest = rest[len(child.segment):]
		cur = child
		if rest == "" {
			return cur
		}
	}
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Match is the result of a successful tree lookup.
type Match struct {
	Route       *Route
	Params      map[string]string
	MatchedPath string
}

// TreeStats is an observability snapshot of a tree. It carries no behavioral
// contract.
type TreeStats struct {
	Routes             int
	Nodes              int
	MaxDepth           int
	CacheSize          int
	CacheHits          uint64
	CacheMisses        uint64
	CacheInvalidations uint64
	Overwrites         uint64
}

// matchCache memoizes Find results, including negative ones, keyed by
// "METHOD:PATH". Eviction on overflow removes the oldest-inserted key
// (plain FIFO, deliberately not an LRU). Any structural tree mutation
// invalidates the whole cache.
type matchCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*Match // nil value caches a negative result
	order   []string
}

func newMatchCache(max int) *matchCache {
	return &matchCache{
		max:     max,
		entries: make(map[string]*Match, max),
	}
}

func (c *matchCache) get(key string) (m *Match, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok = c.entries[key]
	return m, ok
}

func (c *matchCache) put(key string, m *Match) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = m
		return
	}
	if len(c.entries) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = m
	c.order = append(c.order, key)
}

func (c *matchCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Match, c.max)
	c.order = c.order[:0]
}

func (c *matchCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Tree is the primary route storage: a compressed prefix tree mapping
// (method, path) to routes with O(path length) lookup.
//
// Thread safety follows the build-then-freeze model: Add, Remove and Clear
// must only be called during the single-threaded setup phase; Find is safe
// for concurrent use once registration has stopped. Registration racing with
// lookups is undefined and must be excluded by the caller.
type Tree struct {
	root      *treeNode
	routes    int
	cacheSize int
	cache     *matchCache
	logger    *slog.Logger
	diag      DiagnosticHandler
	metrics   *dispatchMetrics

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	overwrites    atomic.Uint64
}

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// defaultTreeCacheSize bounds the match cache when not configured.
const defaultTreeCacheSize = 512

// WithTreeCacheSize bounds the match cache at max entries. A size of zero
// or less disables caching entirely.
func WithTreeCacheSize(max int) TreeOption {
	return func(t *Tree) {
		t.cacheSize = max
	}
}

// WithTreeLogger sets the logger used for registration warnings.
func WithTreeLogger(logger *slog.Logger) TreeOption {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTreeDiagnostics sets a diagnostic handler for tree events.
func WithTreeDiagnostics(h DiagnosticHandler) TreeOption {
	return func(t *Tree) {
		t.diag = h
	}
}

// WithTreeMetrics enables Prometheus cache counters on the shared registry.
func WithTreeMetrics() TreeOption {
	return func(t *Tree) {
		t.metrics = getDispatchMetrics()
	}
}

// NewTree creates an empty route tree with a bounded match cache.
func NewTree(opts ...TreeOption) *Tree {
	t := &Tree{
		root:      &treeNode{kind: staticKind},
		cacheSize: defaultTreeCacheSize,
		logger:    noopLogger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cacheSize > 0 {
		t.cache = newMatchCache(t.cacheSize)
	}
	return t
}

// pathSegment is one compiled segment of a registered path.
type pathSegment struct {
	kind     nodeKind
	literal  string // static text
	name     string // param / catch-all capture name
	pattern  string // inline <regex> constraint
	optional bool   // trailing ? on a param
}

// compilePath splits and classifies a route path.
//
// Grammar per segment: ":name", ":name<regex>", ":name?", ":name<regex>?",
// "*" or "*name" (catch-all, final segment only); everything else is static.
func compilePath(path string) (string, []pathSegment, error) {
	if path == "" {
		return "", nil, ErrEmptyPath
	}
	if path[0] != '/' {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/" {
		return path, nil, nil
	}

	raw := strings.Split(path[1:], "/")
	segments := make([]pathSegment, 0, len(raw))
	for i, s := range raw {
		last := i == len(raw)-1
		switch {
		case s == "":
			return "", nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, path)
		case s[0] == ':':
			body := s[1:]
			seg := pathSegment{kind: paramKind}
			if rest, ok := strings.CutSuffix(body, "?"); ok {
				seg.optional = true
				body = rest
			}
			if open := strings.IndexByte(body, '<'); open >= 0 {
				if !strings.HasSuffix(body, ">") {
					return "", nil, fmt.Errorf("%w: unterminated constraint in %q", ErrInvalidPattern, s)
				}
				seg.pattern = body[open+1 : len(body)-1]
				body = body[:open]
			}
			if body == "" {
				return "", nil, fmt.Errorf("%w: unnamed parameter in %q", ErrInvalidPattern, path)
			}
			seg.name = body
			if seg.optional && !last {
				return "", nil, ErrOptionalNotLast
			}
			segments = append(segments, seg)
		case s[0] == '*':
			if !last {
				return "", nil, ErrCatchAllNotLast
			}
			name := strings.TrimPrefix(s[1:], "*")
			if name == "" {
				name = "filepath"
			}
			segments = append(segments, pathSegment{kind: catchAllKind, name: name})
		default:
			segments = append(segments, pathSegment{kind: staticKind, literal: s})
		}
	}
	return path, segments, nil
}

// Add inserts a route for (method, path). Re-registering an existing pair
// overwrites the previous route (last write wins) and is observable via a
// warning, a diagnostic event and the Overwrites counter.
//
// Inline <regex> segment constraints are compiled into the returned route's
// constraint list.
func (t *Tree) Add(method, path string, handlers []Handler) (*Route, error) {
	normalized, segments, err := compilePath(path)
	if err != nil {
		return nil, err
	}
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}
	for _, h := range handlers {
		if h == nil {
			return nil, ErrNilHandler
		}
	}

	rt := &Route{
		method:     method,
		path:       normalized,
		handlers:   handlers,
		registered: time.Now(),
	}

	n := t.root
	var beforeLast *treeNode
	for _, seg := range segments {
		beforeLast = n
		n.priority++
		switch seg.kind {
		case paramKind:
			rt.paramNames = append(rt.paramNames, seg.name)
			if seg.pattern != "" {
				c, cerr := route.Regex(seg.name, seg.pattern)
				if cerr != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, cerr)
				}
				rt.constraints = append(rt.constraints, c)
			}
			if n.paramChild == nil {
				n.paramChild = &treeNode{kind: paramKind, segment: seg.name, parent: n, depth: n.depth + 1}
			} else if n.paramChild.segment != seg.name {
				t.logger.Debug("param name differs from existing sibling; first registration wins for capture",
					"existing", n.paramChild.segment, "new", seg.name, "path", normalized)
			}
			n = n.paramChild
		case catchAllKind:
			rt.paramNames = append(rt.paramNames, seg.name)
			if n.wildChild == nil {
				n.wildChild = &treeNode{kind: catchAllKind, segment: seg.name, parent: n, depth: n.depth + 1}
			}
			n = n.wildChild
		default:
			n = n.insertStatic(seg.literal)
		}
	}

	t.attach(n, method, rt)
	if len(segments) > 0 && segments[len(segments)-1].optional {
		// Optional trailing parameter: the route also matches without the
		// final segment.
		t.attach(beforeLast, method, rt)
	}
	t.invalidate()
	return rt, nil
}

func (t *Tree) attach(n *treeNode, method string, rt *Route) {
	if n.routes == nil {
		n.routes = make(map[string]*Route, 1)
	}
	if old := n.routes[method]; old != nil {
		t.overwrites.Add(1)
		t.logger.Warn("route overwritten", "method", method, "path", rt.path, "previous", old.path)
		t.emit(DiagRouteOverwritten, "route overwritten", map[string]any{
			"method": method, "path": rt.path,
		})
	} else {
		t.routes++
	}
	n.routes[method] = rt
}

func (t *Tree) emit(kind DiagnosticKind, msg string, fields map[string]any) {
	if t.diag != nil {
		t.diag.OnDiagnostic(DiagnosticEvent{Kind: kind, Message: msg, Fields: fields})
	}
}

// invalidate flushes the whole match cache after a structural mutation.
func (t *Tree) invalidate() {
	if t.cache == nil {
		return
	}
	t.cache.clear()
	t.invalidations.Add(1)
	if t.metrics != nil {
		t.metrics.treeCacheInvalidations.Inc()
		t.metrics.treeCacheSize.Set(0)
	}
	t.emit(DiagCacheInvalidated, "match cache invalidated", nil)
}

func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Find looks up (method, path) and returns the match with percent-decoded
// parameter values, or nil when nothing matches. Results, including negative
// ones, are memoized in the bounded cache.
func (t *Tree) Find(method, path string) *Match {
	if t.cache != nil {
		key := method + ":" + path
		if m, ok := t.cache.get(key); ok {
			t.hits.Add(1)
			if t.metrics != nil {
				t.metrics.treeCacheHits.Inc()
			}
			return copyMatch(m)
		}
		t.misses.Add(1)
		if t.metrics != nil {
			t.metrics.treeCacheMisses.Inc()
		}
		m := t.lookup(method, path)
		t.cache.put(key, m)
		if t.metrics != nil {
			t.metrics.treeCacheSize.Set(float64(t.cache.size()))
		}
		return copyMatch(m)
	}
	return copyMatch(t.lookup(method, path))
}

// copyMatch hands the caller its own params map so merging into the request
// cannot corrupt the cached entry.
func copyMatch(m *Match) *Match {
	if m == nil {
		return nil
	}
	params := make(map[string]string, len(m.Params))
	for k, v := range m.Params {
		params[k] = v
	}
	return &Match{Route: m.Route, Params: params, MatchedPath: m.MatchedPath}
}

func (t *Tree) lookup(method, path string) *Match {
	segs := splitSegments(path)
	params := make(map[string]string, 4)
	rt := searchNode(t.root, method, segs, 0, params)
	if rt == nil {
		return nil
	}
	decodeParams(params)
	// Constraint failure invalidates the match outright; no backtracking
	// into sibling branches is attempted past this point.
	for _, c := range rt.constraints {
		if v, ok := params[c.Param]; ok && !c.Validate(v) {
			return nil
		}
	}
	return &Match{Route: rt, Params: params, MatchedPath: rt.path}
}

// searchNode is the recursive backtracking walk. At every branch point the
// priority order is static > param > catch-all. Param bindings are undone
// before the catch-all branch is tried.
func searchNode(n *treeNode, method string, segs []string, idx int, params map[string]string) *Route {
	if idx == len(segs) {
		return n.routeFor(method)
	}
	seg := segs[idx]

	if child := n.findStatic(seg); child != nil {
		if rt := searchNode(child, method, segs, idx+1, params); rt != nil {
			return rt
		}
	}

	if n.paramChild != nil {
		name := n.paramChild.segment
		prev, had := params[name]
		params[name] = seg
		if rt := searchNode(n.paramChild, method, segs, idx+1, params); rt != nil {
			return rt
		}
		if had {
			params[name] = prev
		} else {
			delete(params, name)
		}
	}

	// Last resort: a catch-all consumes the remaining segments, slashes
	// included, without recursing further.
	if n.wildChild != nil {
		if rt := n.wildChild.routeFor(method); rt != nil {
			params[n.wildChild.segment] = strings.Join(segs[idx:], "/")
			return rt
		}
	}

	return nil
}

// decodeParams percent-decodes captured values in place. A decode failure
// keeps the raw value rather than failing the match.
func decodeParams(params map[string]string) {
	for k, v := range params {
		if !strings.Contains(v, "%") {
			continue
		}
		if decoded, err := url.PathUnescape(v); err == nil {
			params[k] = decoded
		}
	}
}

// walkPattern navigates the exact registered pattern (not a concrete path)
// and returns the terminal node, or nil.
func (t *Tree) walkPattern(path string) *treeNode {
	_, segments, err := compilePath(path)
	if err != nil {
		return nil
	}
	n := t.root
	for _, seg := range segments {
		switch seg.kind {
		case paramKind:
			n = n.paramChild
		case catchAllKind:
			n = n.wildChild
		default:
			n = n.findStatic(seg.literal)
		}
		if n == nil {
			return nil
		}
	}
	return n
}

// Has reports whether a route is registered for the exact (method, pattern)
// pair. Unlike Find it matches the pattern itself, not a concrete path.
func (t *Tree) Has(method, path string) bool {
	n := t.walkPattern(path)
	return n != nil && n.routes != nil && n.routes[method] != nil
}

// Remove deletes the route registered for the exact (method, pattern) pair
// and prunes nodes left empty. Returns true when a route was removed.
func (t *Tree) Remove(method, path string) bool {
	n := t.walkPattern(path)
	if n == nil || n.routes == nil || n.routes[method] == nil {
		return false
	}
	delete(n.routes, method)
	t.routes--
	t.prune(n)
	t.invalidate()
	return true
}

// prune walks parent links removing nodes that no longer hold routes or
// children. The root always survives.
func (t *Tree) prune(n *treeNode) {
	for n != nil && n.parent != nil && n.empty() {
		p := n.parent
		switch {
		case p.paramChild == n:
			p.paramChild = nil
		case p.wildChild == n:
			p.wildChild = nil
		default:
			delete(p.children, n.segment[0])
		}
		n = p
	}
}

// Clear removes every route and invalidates the cache.
func (t *Tree) Clear() {
	t.root = &treeNode{kind: staticKind}
	t.routes = 0
	t.invalidate()
}

// Len returns the number of registered routes.
func (t *Tree) Len() int { return t.routes }

// Routes returns every registered route in depth-first order. Routes that
// are attached at two nodes (optional trailing parameter) appear once.
func (t *Tree) Routes() []*Route {
	seen := make(map[*Route]struct{})
	var out []*Route
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		for _, rt := range n.routes {
			if _, dup := seen[rt]; !dup {
				seen[rt] = struct{}{}
				out = append(out, rt)
			}
		}
		for _, c := range n.children {
			walk(c)
		}
		if n.paramChild != nil {
			walk(n.paramChild)
		}
		if n.wildChild != nil {
			walk(n.wildChild)
		}
	}
	walk(t.root)
	return out
}

// Stats returns an observability snapshot.
func (t *Tree) Stats() TreeStats {
	nodes, maxDepth := 0, 0
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		nodes++
		if n.depth > maxDepth {
			maxDepth = n.depth
		}
		for _, c := range n.children {
			walk(c)
		}
		if n.paramChild != nil {
			walk(n.paramChild)
		}
		if n.wildChild != nil {
			walk(n.wildChild)
		}
	}
	walk(t.root)

	cacheSize := 0
	if t.cache != nil {
		cacheSize = t.cache.size()
	}
	return TreeStats{
		Routes:             t.routes,
		Nodes:              nodes,
		MaxDepth:           maxDepth,
		CacheSize:          cacheSize,
		CacheHits:          t.hits.Load(),
		CacheMisses:        t.misses.Load(),
		CacheInvalidations: t.invalidations.Load(),
		Overwrites:         t.overwrites.Load(),
	}
}
