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

import "time"

// Info describes a registered route for introspection: debugging, listing
// endpoints, and documentation generation. It carries no behavior.
type Info struct {
	Method      string            // HTTP method, or "USE"
	Path        string            // Route path pattern (/users/:id)
	Name        string            // Optional route name
	HandlerLen  int               // Number of handlers in the chain
	ParamNames  []string          // Parameter names in declaration order
	Constraints map[string]string // Parameter constraints (param -> description)
	Metadata    map[string]any    // Free-form metadata attached at registration
	Registered  time.Time         // Registration timestamp
}
