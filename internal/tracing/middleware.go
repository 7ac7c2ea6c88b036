// Copyright 2025 Tom Barlow
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

package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/promptflow/runtime/internal/tracing"

// Middleware wraps next with a server span per request, continuing any
// trace context propagated in the request headers. With no provider
// installed the spans are no-ops.
func Middleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(scopeName)
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		ctx, span := tracer.Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.URL.Path),
			))
		defer span.End()

		tw := &traceWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tw, req.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", tw.status))
		if tw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(tw.status))
		}
	})
}

type traceWriter struct {
	http.ResponseWriter
	status int
}

func (w *traceWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
