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

import "tessera.dev/dispatch/route"

// hasConstraint reports whether a constraint for param is already present.
// Inline <regex> constraints are recompiled when a folded route is
// re-registered, so the fold must not duplicate them.
func hasConstraint(cs []route.Constraint, param string) bool {
	for _, c := range cs {
		if c.Param == param {
			return true
		}
	}
	return false
}

// Group runs fn against a scratch router and folds the result into the
// receiver under prefix: routes are re-registered with the prefix applied,
// the group's middleware is appended to the parent stack scoped to the
// prefix, and nested mounts move over with their prefixes joined. Unlike
// Mount nothing stays isolated afterwards; the parent's error handlers see
// the group's errors directly and the scratch router is discarded.
func (r *Router) Group(prefix string, fn func(g *Router)) *Router {
	r.mutable()
	if fn == nil {
		return r
	}
	prefix = normalizeMountPrefix(prefix)

	g := New()
	g.mergeParams = r.mergeParams
	g.timeout = r.timeout
	g.logger = r.logger
	g.metrics = r.metrics
	fn(g)

	r.stack.Merge(g.stack, prefix)

	// Layers record the group's routes in declaration order, which the
	// parent's linear fallback depends on; the tree would hand them back in
	// lookup order instead.
	for _, l := range g.layers {
		rt := l.route
		folded := r.Route(rt.method, joinPaths(prefix, rt.path), rt.handlers...)
		// Constraints added via Where on the group's routes carry over to
		// the folded route and its layer.
		for _, c := range rt.constraints {
			if !hasConstraint(folded.constraints, c.Param) {
				folded.constraints = append(folded.constraints, c)
				for _, l := range folded.layers {
					l.addConstraint(c)
				}
			}
		}
		folded.name = rt.name
		folded.metadata = rt.metadata
	}

	for _, m := range g.mounts {
		r.Mount(joinPaths(prefix, m.prefix), m.child)
	}
	return r
}
