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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendOK(body string) Handler {
	return func(_ *Request, res Response, _ Next) {
		res.(*SimpleResponse).Send(http.StatusOK, body)
	}
}

func TestMountBasicDelegation(t *testing.T) {
	child := New()
	child.Get("/users", sendOK("child-users"))

	parent := New()
	parent.Mount("/api", child)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/users"), res)

	assert.True(t, res.Sent())
	assert.Equal(t, "child-users", res.Body)
}

func TestMountPathRewriteAndRestore(t *testing.T) {
	var childPath, childBase string
	child := New()
	child.Get("/users", func(req *Request, res Response, _ Next) {
		childPath = req.Path
		childBase = req.BaseURL
		res.(*SimpleResponse).MarkSent()
	})

	parent := New()
	parent.Mount("/api", child)

	req := NewRequest(http.MethodGet, "/api/users")
	parent.Handle(req, &SimpleResponse{})

	assert.Equal(t, "/users", childPath, "child sees the path relative to its mount point")
	assert.Equal(t, "/api", childBase)
	assert.Equal(t, "/api/users", req.Path, "path restored after dispatch")
	assert.Empty(t, req.BaseURL, "base restored after dispatch")
}

func TestMountRestoreOnChildPanicError(t *testing.T) {
	child := New()
	child.Get("/boom", func(_ *Request, _ Response, _ Next) { panic("child") })
	child.UseError(func(_ error, _ *Request, res Response, _ Next) {
		res.(*SimpleResponse).MarkSent()
	})

	parent := New()
	parent.Mount("/api", child)

	req := NewRequest(http.MethodGet, "/api/boom")
	parent.Handle(req, &SimpleResponse{})

	assert.Equal(t, "/api/boom", req.Path, "restoration holds on error exits too")
}

func TestMountRootPathMapping(t *testing.T) {
	child := New()
	child.Get("/", sendOK("child-root"))

	parent := New()
	parent.Mount("/api", child)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api"), res)

	assert.Equal(t, "child-root", res.Body, "fully consumed prefix maps to the child's root")
}

func TestMountLongestPrefixWins(t *testing.T) {
	v1 := New()
	v1.Get("/users", sendOK("v1"))
	v1Admin := New()
	v1Admin.Get("/users", sendOK("v1-admin"))

	parent := New()
	parent.Mount("/api/v1", v1)
	parent.Mount("/api/v1/admin", v1Admin)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/v1/admin/users"), res)
	assert.Equal(t, "v1-admin", res.Body)

	res = &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/v1/users"), res)
	assert.Equal(t, "v1", res.Body)
}

func TestMountPrefixBoundary(t *testing.T) {
	child := New()
	child.Get("/x", sendOK("child"))

	parent := New()
	parent.Mount("/api", child)
	parent.Get("/apix/x", sendOK("parent"))

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/apix/x"), res)

	assert.Equal(t, "parent", res.Body, "/apix is not under the /api mount")
}

func TestOwnRoutesBeatMounts(t *testing.T) {
	child := New()
	child.Get("/users", sendOK("child"))
	child.Get("/teams", sendOK("child-teams"))

	parent := New()
	parent.Get("/api/users", sendOK("parent"))
	parent.Mount("/api", child)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/users"), res)
	assert.Equal(t, "parent", res.Body, "a direct route wins over a mount covering the same path")

	res = &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/teams"), res)
	assert.Equal(t, "child-teams", res.Body, "unclaimed paths under the prefix still delegate")
}

func TestMountKeepsStrippedPathAcrossChildTimeout(t *testing.T) {
	// A child stack with a per-entry timeout runs its entries on goroutines,
	// so the child pipeline outlives the parent's synchronous dispatch. The
	// mount rewrite has to stay in place until the chain completes.
	child := New(WithHandlerTimeout(time.Second))
	child.Use(func(_ *Request, _ Response, next Next) {
		time.Sleep(30 * time.Millisecond)
		next(nil)
	})
	seen := make(chan string, 1)
	child.Get("/ping", func(req *Request, res Response, _ Next) {
		res.(*SimpleResponse).Send(http.StatusOK, "pong")
		seen <- req.Path
	})

	parent := New()
	parent.Mount("/api", child)

	req := NewRequest(http.MethodGet, "/api/ping")
	res := &SimpleResponse{}
	parent.Handle(req, res)

	select {
	case p := <-seen:
		assert.Equal(t, "/ping", p, "child routes against the stripped path")
	case <-time.After(time.Second):
		t.Fatal("mounted handler never ran")
	}
	assert.Equal(t, "pong", res.Body)
}

func TestDuplicateMountPrefixKeepsEarlier(t *testing.T) {
	first := New()
	first.Get("/x", sendOK("first"))
	second := New()
	second.Get("/x", sendOK("second"))

	var events []DiagnosticEvent
	parent := New(WithDiagnostics(DiagnosticHandlerFunc(func(e DiagnosticEvent) {
		events = append(events, e)
	})))
	parent.Mount("/api", first)
	parent.Mount("/api", second)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/x"), res)
	assert.Equal(t, "first", res.Body, "the earlier registration wins a duplicate prefix")

	require.Len(t, events, 1)
	assert.Equal(t, DiagMountShadowed, events[0].Kind)
	assert.Equal(t, "/api", events[0].Fields["prefix"])
}

func TestMountIsolatesErrorHandlers(t *testing.T) {
	boom := errors.New("boom")
	var parentSaw, childSaw bool

	child := New()
	child.UseError(func(_ error, _ *Request, res Response, _ Next) {
		childSaw = true
		res.(*SimpleResponse).MarkSent()
	})
	child.Get("/fail", func(_ *Request, _ Response, next Next) { next(boom) })

	parent := New()
	parent.UseError(func(_ error, _ *Request, res Response, _ Next) {
		parentSaw = true
		res.(*SimpleResponse).MarkSent()
	})
	parent.Mount("/api", child)

	parent.Handle(NewRequest(http.MethodGet, "/api/fail"), &SimpleResponse{})

	assert.True(t, childSaw, "mounted child handles its own errors")
	assert.False(t, parentSaw, "mount isolation keeps errors out of the parent stack")
}

func TestMountChildStackRuns(t *testing.T) {
	var order []string
	child := New()
	child.Use(func(_ *Request, _ Response, next Next) {
		order = append(order, "child-mw")
		next(nil)
	})
	child.Get("/x", func(_ *Request, res Response, _ Next) {
		order = append(order, "child-route")
		res.(*SimpleResponse).MarkSent()
	})

	parent := New()
	parent.Use(func(_ *Request, _ Response, next Next) {
		order = append(order, "parent-mw")
		next(nil)
	})
	parent.Mount("/api", child)

	parent.Handle(NewRequest(http.MethodGet, "/api/x"), &SimpleResponse{})

	assert.Equal(t, []string{"parent-mw", "child-mw", "child-route"}, order)
}

func TestMountUnmatchedChildIs404(t *testing.T) {
	child := New()
	child.Get("/known", sendOK("known"))

	parent := New()
	parent.Mount("/api", child)

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/unknown"), res)

	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestMountPrefixNormalization(t *testing.T) {
	child := New()
	child.Get("/x", sendOK("x"))

	parent := New()
	parent.Mount("api/", child) // missing lead slash, trailing slash

	res := &SimpleResponse{}
	parent.Handle(NewRequest(http.MethodGet, "/api/x"), res)
	require.True(t, res.Sent())
	assert.Equal(t, "x", res.Body)
}

func TestStripMountPrefix(t *testing.T) {
	tests := []struct {
		path, prefix, want string
	}{
		{"/api/users", "/api", "/users"},
		{"/api", "/api", "/"},
		{"/anything", "/", "/anything"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripMountPrefix(tt.path, tt.prefix), "strip(%q, %q)", tt.path, tt.prefix)
	}
}
