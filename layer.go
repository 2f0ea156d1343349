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
	"regexp"
	"strings"
	"sync"

	"tessera.dev/dispatch/route"
)

// layerCacheLimit bounds each per-layer memoization map. Overflow clears the
// whole map rather than evicting, keeping the hot path allocation-free.
const layerCacheLimit = 256

// Layer wraps a single route pattern with a compiled matcher. It is the
// linear-scan counterpart to the tree: the router keeps an ordered slice of
// layers as a fallback and as the unit that groups rescope.
//
// A layer registered under the synthetic USE method matches by path prefix
// at segment boundaries; any other method requires a full-path match.
type Layer struct {
	method      string
	path        string
	re          *regexp.Regexp
	paramNames  []string
	handlers    []Handler
	constraints []route.Constraint
	route       *Route
	metrics     *dispatchMetrics

	mu          sync.Mutex
	matchCache  map[string]bool
	paramsCache map[string]map[string]string
}

// patternToRegexp compiles a route pattern into an anchored regexp with one
// named capture group per parameter. USE layers get an optional tail group
// so /api matches /api, /api/ and /api/users but not /apix.
func patternToRegexp(pattern string, prefix bool) (*regexp.Regexp, []string, error) {
	if pattern == "" {
		return nil, nil, ErrEmptyPath
	}
	if pattern[0] != '/' {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidPath, pattern)
	}
	if pattern != "/" {
		pattern = strings.TrimSuffix(pattern, "/")
	}

	var (
		b     strings.Builder
		names []string
	)
	b.WriteString("^")

	if pattern == "/" {
		if prefix {
			b.WriteString("/.*$")
		} else {
			b.WriteString("/$|^$")
		}
		re, err := regexp.Compile(b.String())
		return re, nil, err
	}

	segs := strings.Split(pattern[1:], "/")
	for i, s := range segs {
		last := i == len(segs)-1
		switch {
		case s == "":
			return nil, nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)
		case s[0] == ':':
			body := s[1:]
			optional := false
			if rest, ok := strings.CutSuffix(body, "?"); ok {
				optional = true
				body = rest
			}
			sub := "[^/]+"
			if open := strings.IndexByte(body, '<'); open >= 0 {
				if !strings.HasSuffix(body, ">") {
					return nil, nil, fmt.Errorf("%w: unterminated constraint in %q", ErrInvalidPattern, s)
				}
				sub = body[open+1 : len(body)-1]
				body = body[:open]
			}
			if body == "" {
				return nil, nil, fmt.Errorf("%w: unnamed parameter in %q", ErrInvalidPattern, pattern)
			}
			if optional && !last {
				return nil, nil, ErrOptionalNotLast
			}
			names = append(names, body)
			if optional {
				fmt.Fprintf(&b, "(?:/(?P<%s>%s))?", body, sub)
			} else {
				fmt.Fprintf(&b, "/(?P<%s>%s)", body, sub)
			}
		case s == "*" && !last:
			// Bare * mid-pattern is a single-segment wildcard. It matches
			// exactly one segment and captures nothing.
			b.WriteString("/[^/]+")
		case s[0] == '*':
			if !last {
				return nil, nil, ErrCatchAllNotLast
			}
			name := strings.TrimPrefix(s[1:], "*")
			if name == "" {
				name = "filepath"
			}
			names = append(names, name)
			fmt.Fprintf(&b, "/(?P<%s>.+)", name)
		default:
			b.WriteString("/")
			b.WriteString(regexp.QuoteMeta(s))
		}
	}

	if prefix {
		b.WriteString("(?:/.*)?")
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, names, nil
}

// NewLayer compiles a pattern into a layer. The method may be the synthetic
// MethodUse constant for prefix-matching middleware layers.
func NewLayer(method, pattern string, handlers ...Handler) (*Layer, error) {
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}
	for _, h := range handlers {
		if h == nil {
			return nil, ErrNilHandler
		}
	}
	re, names, err := patternToRegexp(pattern, method == MethodUse)
	if err != nil {
		return nil, err
	}
	normalized := pattern
	if normalized != "/" {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return &Layer{
		method:      method,
		path:        normalized,
		re:          re,
		paramNames:  names,
		handlers:    handlers,
		matchCache:  make(map[string]bool, 8),
		paramsCache: make(map[string]map[string]string, 8),
	}, nil
}

// Method returns the layer's method, possibly the synthetic USE.
func (l *Layer) Method() string { return l.method }

// Path returns the normalized registered pattern.
func (l *Layer) Path() string { return l.path }

// Handlers returns the handler chain in registration order.
func (l *Layer) Handlers() []Handler { return l.handlers }

// ParamNames returns the capture names in pattern order.
func (l *Layer) ParamNames() []string { return l.paramNames }

func (l *Layer) addConstraint(c route.Constraint) {
	l.constraints = append(l.constraints, c)
}

// matchesMethod applies the USE rule: a USE layer matches every method, a
// concrete-method layer matches only its own.
func (l *Layer) matchesMethod(method string) bool {
	return l.method == MethodUse || l.method == method
}

// Match reports whether the layer applies to (method, path). Path results
// are memoized per layer; the map is cleared, not evicted, on overflow.
func (l *Layer) Match(method, path string) bool {
	if !l.matchesMethod(method) {
		return false
	}
	l.mu.Lock()
	if ok, hit := l.matchCache[path]; hit {
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.layerCacheHits.Inc()
		}
		return ok
	}
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.layerCacheMisses.Inc()
	}

	ok := l.re.MatchString(path)
	if ok && len(l.constraints) > 0 {
		if params := l.extract(path); params == nil {
			ok = false
		} else if !l.validate(params) {
			ok = false
		}
	}

	l.mu.Lock()
	if len(l.matchCache) >= layerCacheLimit {
		l.matchCache = make(map[string]bool, 8)
		if l.metrics != nil {
			l.metrics.layerCacheClears.Inc()
		}
	}
	l.matchCache[path] = ok
	l.mu.Unlock()
	return ok
}

// extract runs the regexp and builds the raw (undecoded) params map, or nil
// when the path does not match.
func (l *Layer) extract(path string) map[string]string {
	sub := l.re.FindStringSubmatch(path)
	if sub == nil {
		return nil
	}
	params := make(map[string]string, len(l.paramNames))
	for i, name := range l.re.SubexpNames() {
		if i == 0 || name == "" || i >= len(sub) {
			continue
		}
		if sub[i] == "" {
			continue // unmatched optional group
		}
		params[name] = sub[i]
	}
	return params
}

func (l *Layer) validate(params map[string]string) bool {
	for _, c := range l.constraints {
		if v, ok := params[c.Param]; ok && !c.Validate(v) {
			return false
		}
	}
	return true
}

// Params extracts and percent-decodes the named captures for path, or nil
// when the path does not match. Extraction is memoized alongside Match; the
// returned map is the caller's to mutate.
func (l *Layer) Params(path string) map[string]string {
	l.mu.Lock()
	if cached, hit := l.paramsCache[path]; hit {
		l.mu.Unlock()
		return copyParams(cached)
	}
	l.mu.Unlock()

	params := l.extract(path)
	if params != nil {
		decodeParams(params)
	}

	l.mu.Lock()
	if len(l.paramsCache) >= layerCacheLimit {
		l.paramsCache = make(map[string]map[string]string, 8)
		if l.metrics != nil {
			l.metrics.layerCacheClears.Inc()
		}
	}
	l.paramsCache[path] = params
	l.mu.Unlock()
	return copyParams(params)
}

func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// ValidateParams applies the layer's constraints to an extracted params map.
func (l *Layer) ValidateParams(params map[string]string) bool {
	return l.validate(params)
}

// ExtractResult is the outcome of a full extraction pass: the decoded
// params, whether every constraint held, and which declared names the path
// did not bind (optional parameters that were absent).
type ExtractResult struct {
	Params  map[string]string
	Valid   bool
	Missing []string
}

// ExtractParams matches, extracts, decodes and validates in one call.
// A non-matching path yields a zero-value result with Valid false.
func (l *Layer) ExtractParams(path string) ExtractResult {
	params := l.Params(path)
	if params == nil {
		return ExtractResult{}
	}
	var missing []string
	for _, name := range l.paramNames {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return ExtractResult{
		Params:  params,
		Valid:   l.validate(params),
		Missing: missing,
	}
}

// rescoped returns a copy of the layer with prefix prepended to its pattern,
// used when a group is folded into its parent. Caches start empty; the
// original layer is left untouched.
func (l *Layer) rescoped(prefix string) (*Layer, error) {
	pattern := joinPaths(prefix, l.path)
	nl, err := NewLayer(l.method, pattern, l.handlers...)
	if err != nil {
		return nil, err
	}
	nl.constraints = append([]route.Constraint(nil), l.constraints...)
	nl.route = l.route
	nl.metrics = l.metrics
	return nl, nil
}

// joinPaths concatenates two path fragments with exactly one separating
// slash, preserving a bare "/" on either side.
func joinPaths(prefix, path string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if path == "/" || path == "" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
