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

package route

import (
	"fmt"
	"regexp"
	"strings"
)

// Constraint restricts the values a captured path parameter may take.
// A constraint is either regex-backed (Pattern) or predicate-backed (Check);
// exactly one of the two is set.
type Constraint struct {
	Param   string
	Pattern *regexp.Regexp
	Check   func(value string) bool
}

// Validate reports whether value satisfies the constraint. A constraint with
// neither pattern nor predicate accepts everything.
func (c Constraint) Validate(value string) bool {
	if c.Pattern != nil {
		return c.Pattern.MatchString(value)
	}
	if c.Check != nil {
		return c.Check(value)
	}
	return true
}

// Regex compiles pattern into an anchored constraint for param. The pattern
// is anchored with ^...$ so it must match the whole parameter value.
func Regex(param, pattern string) (Constraint, error) {
	rx, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return Constraint{}, fmt.Errorf("constraint for %q: %w", param, err)
	}
	return Constraint{Param: param, Pattern: rx}, nil
}

// MustRegex is like Regex but panics on an invalid pattern. Intended for
// setup-phase registration where pattern errors should abort startup.
func MustRegex(param, pattern string) Constraint {
	c, err := Regex(param, pattern)
	if err != nil {
		panic(err)
	}
	return c
}

// Predicate builds a constraint backed by an arbitrary check function.
func Predicate(param string, check func(string) bool) Constraint {
	return Constraint{Param: param, Check: check}
}

// Common constraint helpers mapping semantic kinds to regex patterns.

// Int constrains param to decimal digits.
func Int(param string) Constraint {
	return MustRegex(param, `\d+`)
}

// UUID constrains param to the canonical UUID text form.
func UUID(param string) Constraint {
	return MustRegex(param, `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}`)
}

// Enum constrains param to one of the given literal values.
func Enum(param string, values ...string) Constraint {
	escaped := make([]string, 0, len(values))
	for _, v := range values {
		escaped = append(escaped, regexp.QuoteMeta(v))
	}
	return MustRegex(param, "(?:"+strings.Join(escaped, "|")+")")
}

// Describe returns a human-readable form of the constraint for introspection.
func (c Constraint) Describe() string {
	if c.Pattern != nil {
		return c.Pattern.String()
	}
	if c.Check != nil {
		return "func"
	}
	return ""
}
