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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// noopLogger discards everything. It is the default so that a router built
// without WithLogger stays silent instead of writing to stderr.
var noopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// noopTracer is the default when tracing is not configured.
var noopTracer = noop.NewTracerProvider().Tracer("tessera.dev/dispatch")

// startDispatchSpan opens a span around one dispatch and stamps it with the
// request coordinates. The caller ends the span via the returned closure,
// passing the terminal error if the pipeline ended in one.
func startDispatchSpan(tracer trace.Tracer, req *Request) (*Request, func(err error, matched string)) {
	ctx, span := tracer.Start(req.Context(), "dispatch.handle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dispatch.method", req.Method),
			attribute.String("dispatch.path", req.Path),
		),
	)
	end := func(err error, matched string) {
		if matched != "" {
			span.SetAttributes(attribute.String("dispatch.route", matched))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return req.WithContext(ctx), end
}
