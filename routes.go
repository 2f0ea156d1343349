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
	"time"

	"tessera.dev/dispatch/route"
)

// Route is a registered route definition. It is created by Tree.Add (or the
// Router registration helpers) and owned by the tree node it is attached to,
// or by a Layer. After the setup phase a Route is immutable except through
// explicit overwrite, where the last write wins.
//
// The builder methods (Where, WhereFunc, SetMeta, SetName) are intended for
// the setup phase only; they are not safe to call once serving has begun.
type Route struct {
	method      string
	path        string
	handlers    []Handler
	constraints []route.Constraint
	paramNames  []string
	metadata    map[string]any
	name        string
	registered  time.Time

	// Layers created for this route by the Router. Constraint builders
	// propagate into them so tree lookup and linear fallback agree.
	layers []*Layer
}

// Method returns the HTTP method (or "USE") the route is registered under.
func (r *Route) Method() string { return r.method }

// Path returns the normalized route path pattern.
func (r *Route) Path() string { return r.path }

// Handlers returns the ordered handler chain. Callers must not modify the
// returned slice.
func (r *Route) Handlers() []Handler { return r.handlers }

// ParamNames returns the parameter names in declaration order.
func (r *Route) ParamNames() []string { return r.paramNames }

// Name returns the route's display name, if set.
func (r *Route) Name() string { return r.name }

// Registered returns the registration timestamp.
func (r *Route) Registered() time.Time { return r.registered }

// Constraints returns the route's parameter constraints.
func (r *Route) Constraints() []route.Constraint { return r.constraints }

// Where adds an anchored regex constraint for a parameter and returns the
// route for chaining. The pattern must compile; an invalid pattern panics,
// aborting setup.
//
// Example:
//
//	r.Get("/users/:id", showUser).Where("id", `\d+`)
func (r *Route) Where(param, pattern string) *Route {
	c := route.MustRegex(param, pattern)
	r.addConstraint(c)
	return r
}

// WhereFunc adds a predicate constraint for a parameter and returns the
// route for chaining.
func (r *Route) WhereFunc(param string, check func(string) bool) *Route {
	r.addConstraint(route.Predicate(param, check))
	return r
}

func (r *Route) addConstraint(c route.Constraint) {
	r.constraints = append(r.constraints, c)
	for _, l := range r.layers {
		l.addConstraint(c)
	}
}

// SetMeta attaches a free-form metadata value and returns the route.
func (r *Route) SetMeta(key string, value any) *Route {
	if r.metadata == nil {
		r.metadata = make(map[string]any)
	}
	r.metadata[key] = value
	return r
}

// Meta returns the metadata value for key, or nil.
func (r *Route) Meta(key string) any {
	if r.metadata == nil {
		return nil
	}
	return r.metadata[key]
}

// SetName sets the route's display name and returns the route.
func (r *Route) SetName(name string) *Route {
	r.name = name
	return r
}

// Info builds an introspection snapshot of the route.
func (r *Route) Info() route.Info {
	constraints := make(map[string]string, len(r.constraints))
	for _, c := range r.constraints {
		constraints[c.Param] = c.Describe()
	}
	var meta map[string]any
	if len(r.metadata) > 0 {
		meta = make(map[string]any, len(r.metadata))
		for k, v := range r.metadata {
			meta[k] = v
		}
	}
	return route.Info{
		Method:      r.method,
		Path:        r.path,
		Name:        r.name,
		HandlerLen:  len(r.handlers),
		ParamNames:  append([]string(nil), r.paramNames...),
		Constraints: constraints,
		Metadata:    meta,
		Registered:  r.registered,
	}
}
