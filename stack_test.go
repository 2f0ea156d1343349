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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// StackTestSuite tests the continuation-passing middleware pipeline.
type StackTestSuite struct {
	suite.Suite

	trace    []string
	finalErr error
	finished int
}

func (suite *StackTestSuite) SetupTest() {
	suite.trace = nil
	suite.finalErr = nil
	suite.finished = 0
}

func (suite *StackTestSuite) final(err error, _ *Request, _ Response) {
	suite.finished++
	suite.finalErr = err
}

func (suite *StackTestSuite) step(name string) Handler {
	return func(_ *Request, _ Response, next Next) {
		suite.trace = append(suite.trace, name)
		next(nil)
	}
}

func (suite *StackTestSuite) run(s *Stack, path string) {
	s.Execute(NewRequest(http.MethodGet, path), &SimpleResponse{})
}

func (suite *StackTestSuite) TestExecutionOrder() {
	s := NewStack(suite.final)
	s.PushMany(suite.step("a"), suite.step("b"), suite.step("c"))

	suite.run(s, "/")

	suite.Equal([]string{"a", "b", "c"}, suite.trace)
	suite.Equal(1, suite.finished)
	suite.NoError(suite.finalErr)
}

func (suite *StackTestSuite) TestNotCallingNextStopsPipeline() {
	s := NewStack(suite.final)
	s.Push(suite.step("a"))
	s.Push(func(_ *Request, _ Response, _ Next) {
		suite.trace = append(suite.trace, "stop")
	})
	s.Push(suite.step("never"))

	suite.run(s, "/")

	suite.Equal([]string{"a", "stop"}, suite.trace)
	suite.Zero(suite.finished, "finalizer not reached when a handler ends dispatch")
}

func (suite *StackTestSuite) TestPathScoping() {
	s := NewStack(suite.final)
	s.Push(suite.step("global"))
	s.PushAt("/api", suite.step("api"))
	s.PushAt("/admin", suite.step("admin"))

	suite.run(s, "/api/users")
	suite.Equal([]string{"global", "api"}, suite.trace)

	suite.trace = nil
	suite.run(s, "/apix")
	suite.Equal([]string{"global"}, suite.trace, "prefix must end at a segment boundary")
}

func (suite *StackTestSuite) TestErrorSkipsPlainHandlers() {
	boom := errors.New("boom")
	var seen error

	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, next Next) { next(boom) })
	s.Push(suite.step("skipped"))
	s.PushError(func(err error, _ *Request, _ Response, next Next) {
		seen = err
		next(nil)
	})
	s.Push(suite.step("resumed"))

	suite.run(s, "/")

	suite.Equal(boom, seen)
	suite.Equal([]string{"resumed"}, suite.trace, "plain handlers before the error handler are skipped, later ones resume")
	suite.NoError(suite.finalErr)
}

func (suite *StackTestSuite) TestErrorHandlersSkippedWithoutError() {
	s := NewStack(suite.final)
	s.PushError(func(_ error, _ *Request, _ Response, next Next) {
		suite.trace = append(suite.trace, "error-handler")
		next(nil)
	})
	s.Push(suite.step("plain"))

	suite.run(s, "/")

	suite.Equal([]string{"plain"}, suite.trace)
}

func (suite *StackTestSuite) TestNextArgumentReplacesCarriedError() {
	first := errors.New("first")
	second := errors.New("second")

	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, next Next) { next(first) })
	s.PushError(func(_ error, _ *Request, _ Response, next Next) { next(second) })

	suite.run(s, "/")

	suite.Equal(second, suite.finalErr, "unhandled replacement error reaches the finalizer")
}

func (suite *StackTestSuite) TestUnhandledErrorReachesFinalizer() {
	boom := errors.New("boom")
	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, next Next) { next(boom) })

	suite.run(s, "/")

	suite.Equal(boom, suite.finalErr)
	suite.Equal(1, suite.finished)
}

func (suite *StackTestSuite) TestScopedErrorHandler() {
	boom := errors.New("boom")
	var apiSaw, rootSaw bool

	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, next Next) { next(boom) })
	s.PushErrorAt("/admin", func(_ error, _ *Request, _ Response, next Next) {
		rootSaw = true
		next(nil)
	})
	s.PushErrorAt("/api", func(_ error, _ *Request, _ Response, next Next) {
		apiSaw = true
		next(nil)
	})

	suite.run(s, "/api/users")

	suite.True(apiSaw)
	suite.False(rootSaw)
}

func (suite *StackTestSuite) TestPanicBecomesPanicError() {
	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, _ Next) { panic("kaboom") })

	suite.run(s, "/")

	var pe *PanicError
	suite.Require().ErrorAs(suite.finalErr, &pe)
	suite.Equal("kaboom", pe.Value)
}

func (suite *StackTestSuite) TestDoubleNextIsIgnored() {
	s := NewStack(suite.final)
	s.Push(func(_ *Request, _ Response, next Next) {
		next(nil)
		next(nil)
	})
	s.Push(suite.step("once"))

	suite.run(s, "/")

	suite.Equal([]string{"once"}, suite.trace)
	suite.Equal(1, suite.finished)
}

func (suite *StackTestSuite) TestExecuteFromSkipsEarlierEntries() {
	s := NewStack(suite.final)
	s.PushMany(suite.step("a"), suite.step("b"), suite.step("c"))

	s.ExecuteFrom(2, nil, NewRequest(http.MethodGet, "/"), &SimpleResponse{})

	suite.Equal([]string{"c"}, suite.trace)
}

func (suite *StackTestSuite) TestExecuteFromWithInitialError() {
	boom := errors.New("boom")
	var seen error

	s := NewStack(suite.final)
	s.Push(suite.step("before"))
	s.PushError(func(err error, _ *Request, _ Response, next Next) {
		seen = err
		next(nil)
	})

	s.ExecuteFrom(1, boom, NewRequest(http.MethodGet, "/"), &SimpleResponse{})

	suite.Equal(boom, seen)
	suite.Empty(suite.trace, "entries before start never run")
}

func (suite *StackTestSuite) TestRegistrationValidation() {
	suite.PanicsWithValue(ErrNilFinalHandler, func() { NewStack(nil) })

	s := NewStack(suite.final)
	suite.PanicsWithValue(ErrNilHandler, func() { s.Push(nil) })
	suite.PanicsWithValue(ErrNilHandler, func() { s.PushError(nil) })
}

func (suite *StackTestSuite) TestIntrospection() {
	s := NewStack(suite.final)
	s.Push(suite.step("a"))
	s.PushErrorAt("/api", func(_ error, _ *Request, _ Response, next Next) { next(nil) })
	s.PushAt("/api", suite.step("b"))

	suite.Equal(3, s.Len())
	suite.Equal(1, s.FirstErrorIndex())
	suite.Len(s.FilterByPath("/api/x"), 3)
	suite.Len(s.FilterByPath("/other"), 1)

	empty := NewStack(suite.final)
	suite.Equal(-1, empty.FirstErrorIndex())
}

func (suite *StackTestSuite) TestCloneAndMerge() {
	s := NewStack(suite.final)
	s.Push(suite.step("a"))

	c := s.Clone()
	c.Push(suite.step("b"))
	suite.Equal(1, s.Len(), "clone mutation does not touch the original")
	suite.Equal(2, c.Len())

	other := NewStack(suite.final)
	other.Push(suite.step("c"))
	s.Merge(other, "")
	suite.Equal(2, s.Len())

	suite.run(s, "/")
	suite.Equal([]string{"a", "c"}, suite.trace)
}

func (suite *StackTestSuite) TestMergeWithPrefix() {
	s := NewStack(suite.final)

	other := NewStack(suite.final)
	other.Push(suite.step("any"))
	other.PushAt("/users", suite.step("users"))
	s.Merge(other, "/api")

	entries := s.Entries()
	suite.Require().Len(entries, 2)
	suite.Equal("/api", entries[0].Path, "unscoped entry adopts the prefix")
	suite.Equal("/api/users", entries[1].Path)

	suite.run(s, "/api/users/7")
	suite.Equal([]string{"any", "users"}, suite.trace)

	suite.trace = nil
	suite.run(s, "/other")
	suite.Empty(suite.trace, "merged entries stay scoped under the prefix")
}

func TestStackSuite(t *testing.T) {
	suite.Run(t, new(StackTestSuite))
}

func TestStackTimeout(t *testing.T) {
	done := make(chan error, 1)
	s := NewStack(func(err error, _ *Request, _ Response) { done <- err })
	WithStackTimeout(20 * time.Millisecond)(s)
	s.PushNamed("slow", func(_ *Request, _ Response, next Next) {
		time.Sleep(200 * time.Millisecond)
		next(nil) // late; swallowed by the gate
	})

	s.Execute(NewRequest(http.MethodGet, "/"), &SimpleResponse{})

	select {
	case err := <-done:
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "slow", te.Entry)
		assert.Equal(t, 20*time.Millisecond, te.Timeout)
	case <-time.After(time.Second):
		t.Fatal("finalizer never reached")
	}

	// The stalled handler's late next must not re-run the finalizer.
	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, done)
}

func TestStackTimeoutFastHandlerWins(t *testing.T) {
	done := make(chan error, 1)
	s := NewStack(func(err error, _ *Request, _ Response) { done <- err })
	WithStackTimeout(time.Second)(s)
	s.Push(func(_ *Request, _ Response, next Next) { next(nil) })

	s.Execute(NewRequest(http.MethodGet, "/"), &SimpleResponse{})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("finalizer never reached")
	}
}

func TestStackTimeoutExactlyOnceUnderRace(t *testing.T) {
	// Handler finishing right around the deadline: exactly one continuation
	// must win, every time.
	for i := 0; i < 50; i++ {
		var mu sync.Mutex
		calls := 0
		done := make(chan struct{})
		s := NewStack(func(_ error, _ *Request, _ Response) {
			mu.Lock()
			calls++
			mu.Unlock()
			select {
			case <-done:
			default:
				close(done)
			}
		})
		WithStackTimeout(time.Millisecond)(s)
		s.Push(func(_ *Request, _ Response, next Next) {
			time.Sleep(time.Millisecond)
			next(nil)
		})

		s.Execute(NewRequest(http.MethodGet, "/"), &SimpleResponse{})
		<-done
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		assert.Equal(t, 1, calls)
		mu.Unlock()
	}
}
