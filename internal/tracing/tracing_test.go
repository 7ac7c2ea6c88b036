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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptflow/runtime/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test", "dev")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupStdoutExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:    true,
		Protocol:   "stdout",
		SampleRate: 1.0,
	}, "test", "dev")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
}

func TestSetupUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{
		Enabled:  true,
		Protocol: "carrier-pigeon",
	}, "test", "dev")
	require.Error(t, err)
}

func TestSetupMeterExportsThroughRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	shutdown, err := SetupMeter(registry, "test", "dev")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("test").Int64Counter("submissions")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "submissions") {
			found = true
		}
	}
	assert.True(t, found, "expected the otel counter in the registry")
}

func TestMiddlewareRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var sawSpan bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sawSpan = trace.SpanContextFromContext(req.Context()).IsValid()
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, sawSpan)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /health", spans[0].Name())
}
