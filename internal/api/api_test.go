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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/internal/metrics"
	"github.com/promptflow/runtime/internal/runtime"
	"github.com/promptflow/runtime/internal/storage"
	"github.com/promptflow/runtime/internal/worker"
)

// TestMain doubles as the worker entrypoint: the spawner re-execs the
// test binary with the worker argument, exactly like the production
// binary.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := worker.Main(context.Background(), os.Stdin, worker.ResultPipe()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const echoDAG = `
inputs:
  question:
    type: string
outputs:
  answer:
    type: string
    reference: ${echo.output}
nodes:
- name: echo
  type: passthrough
  source:
    type: code
    path: echo.py
  inputs:
    question: ${inputs.question}
`

func newTestRouter(t *testing.T, rl config.RateLimitConfig) (*Router, *runtime.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.RequestsDir = t.TempDir()
	cfg.Execution.SyncSubmissionTimeout = time.Minute

	store, err := storage.NewFactory(config.StorageConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spawner, err := worker.NewSpawner(os.Args[0], "", logger)
	require.NoError(t, err)

	svc := runtime.New(cfg, store, spawner, logger, runtime.Options{})
	router := NewRouter(RouterConfig{
		Name:      "test-runtime",
		Version:   "0.0.0-test",
		Commit:    "none",
		BuildDate: "unknown",
	}, svc, metrics.New(), rl, logger)
	return router, svc
}

func postJSON(t *testing.T, router *Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmitFlow(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	rec := postJSON(t, router, "/submit_flow", runtime.FlowSubmission{
		RunID:          "api-flow-1",
		FlowDefinition: echoDAG,
		Inputs:         map[string]any{"question": "why"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "Completed", body["status"])
	output, ok := body["output"].(map[string]any)
	require.True(t, ok, "expected output object, got %v", body["output"])
	assert.Equal(t, map[string]any{"question": "why"}, output["answer"])
}

func TestSubmitFlowValidationError(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	rec := postJSON(t, router, "/submit_flow", runtime.FlowSubmission{
		FlowDefinition: echoDAG,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj, ok := body["errorResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "UserError", errObj["code"])
	assert.NotEmpty(t, errObj["reference_code"])
}

func TestErrorResponseEchoesClientRequestID(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	payload, err := json.Marshal(runtime.FlowSubmission{FlowDefinition: echoDAG})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/submit_flow", bytes.NewReader(payload))
	req.Header.Set("x-ms-client-request-id", "client-req-7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj, ok := body["errorResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "client-req-7", errObj["reference_code"])
}

func TestSubmitFlowMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodPost, "/submit_flow", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVersionedPrefixRoutes(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/aml-api/v1.0/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthReportsActiveRuns(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_runs"])
}

func TestVersion(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "test-runtime", body["name"])
	assert.Equal(t, "0.0.0-test", body["version"])
}

func TestPackageTools(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/package_tools", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	engines, ok := body["engines"].([]any)
	require.True(t, ok)
	assert.Contains(t, engines, "local")
}

func TestCancelUnknownRun(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	rec := postJSON(t, router, "/cancel_run", cancelRequest{RunID: "never-submitted"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Async run never-submitted may already completed.", body["message"])
}

func TestCancelMissingRunID(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	rec := postJSON(t, router, "/cancel_run", cancelRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDrainingRejectsSubmissions(t *testing.T) {
	router, svc := newTestRouter(t, config.RateLimitConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Shutdown(ctx)

	rec := postJSON(t, router, "/submit_flow", runtime.FlowSubmission{
		RunID:          "rejected",
		FlowDefinition: echoDAG,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Read-only routes stay reachable while draining.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	router.ServeHTTP(healthRec, req)
	require.Equal(t, http.StatusOK, healthRec.Code)
	assert.Equal(t, "draining", decodeBody(t, healthRec)["status"])
}

func TestRateLimitRejectsBurst(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{
		Enabled:         true,
		SubmitPerSecond: 0.001,
		SubmitBurst:     1,
	})

	first := postJSON(t, router, "/cancel_run", cancelRequest{RunID: "r1"})
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, router, "/cancel_run", cancelRequest{RunID: "r2"})
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	// Hot-reload can lift the limit without a restart.
	router.UpdateRateLimit(config.RateLimitConfig{})
	third := postJSON(t, router, "/cancel_run", cancelRequest{RunID: "r3"})
	require.Equal(t, http.StatusOK, third.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, config.RateLimitConfig{})

	// Drive one request through the chain so counters have samples.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, metricsReq)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pfruntime_http_requests_total")
}
