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

// Package api provides the runtime's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/metrics"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/internal/runtime"
	"github.com/promptflow/runtime/internal/tracing"
	"github.com/promptflow/runtime/pkg/errors"
)

// versionPrefix is the gateway-facing route prefix. Every route except
// /metrics is registered both bare and under this prefix, so the
// runtime answers direct calls and gateway-forwarded ones alike.
const versionPrefix = "/aml-api/v1.0"

// RouterConfig holds the identity the router reports and stamps onto
// operation contexts.
type RouterConfig struct {
	Name      string
	Version   string
	Commit    string
	BuildDate string
	Workspace opcontext.Workspace
}

// Router wraps an http.ServeMux with the runtime's middleware chain.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	service *runtime.Service
	metrics *metrics.Metrics
	logger  *slog.Logger

	limiterMu sync.Mutex
	limiter   *rate.Limiter
}

// NewRouter creates the HTTP router over a runtime service.
func NewRouter(cfg RouterConfig, svc *runtime.Service, m *metrics.Metrics, rl config.RateLimitConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		service: svc,
		metrics: m,
		logger:  log.WithComponent(logger, "api"),
	}
	if rl.Enabled {
		r.limiter = rate.NewLimiter(rate.Limit(rl.SubmitPerSecond), rl.SubmitBurst)
	}

	r.handle("POST /submit_flow", r.handleSubmitFlow)
	r.handle("POST /submit_single_node", r.handleSubmitNode)
	r.handle("POST /submit_flow_async", r.handleSubmitFlowAsync)
	r.handle("POST /submit_single_node_async", r.handleSubmitNodeAsync)
	r.handle("POST /submit_bulk_run", r.handleSubmitBulkRun)
	r.handle("POST /start_async_run", r.handleStartAsyncRun)
	r.handle("POST /cancel_run", r.handleCancelRun)
	r.handle("POST /meta-v2", r.handleMeta)
	r.handle("GET /health", r.handleHealth)
	r.handle("GET /version", r.handleVersion)
	r.handle("GET /package_tools", r.handlePackageTools)

	if m != nil {
		r.mux.Handle("GET /metrics", m.Handler())
	}
	return r
}

// UpdateRateLimit applies a hot-reloaded rate limit to the live
// limiter. Disabling removes the limiter entirely.
func (r *Router) UpdateRateLimit(rl config.RateLimitConfig) {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	if !rl.Enabled {
		r.limiter = nil
		return
	}
	r.limiter = rate.NewLimiter(rate.Limit(rl.SubmitPerSecond), rl.SubmitBurst)
}

func (r *Router) allowSubmission() bool {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	return r.limiter == nil || r.limiter.Allow()
}

// handle registers a handler at its bare pattern and under the
// versioned prefix.
func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
	method, path, found := strings.Cut(pattern, " ")
	if !found {
		return
	}
	r.mux.HandleFunc(method+" "+versionPrefix+path, h)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Build the middleware chain from innermost to outermost:
	// submission gate, panic recovery, request logging and metrics,
	// operation context (outside observability so the logged request id
	// matches the error reference code), then the server span.
	var handler http.Handler = r.mux
	handler = r.withGate(handler)
	handler = r.withRecovery(handler)
	handler = r.withObservability(handler)
	handler = r.withOpContext(handler)
	handler = tracing.Middleware(handler)
	handler.ServeHTTP(w, req)
}

// withOpContext extracts the operation context from request headers and
// attaches it to the request context.
func (r *Router) withOpContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		oc := opcontext.FromRequest(req, r.config.Workspace, r.config.Name)
		if oc.InstrumentationKey != "" {
			log.RegisterSecrets(oc.InstrumentationKey)
		}
		next.ServeHTTP(w, req.WithContext(opcontext.Into(req.Context(), oc)))
	})
}

// withGate rejects submissions while draining and enforces the
// submission rate limit. Read-only routes pass through so health and
// metrics stay reachable during shutdown.
func (r *Router) withGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			if r.service != nil && r.service.Draining() {
				r.writeError(w, req, http.StatusServiceUnavailable,
					errors.NewSystemError(
						[]string{errors.CodeUnexpected},
						"Runtime is shutting down and no longer accepts submissions.", nil))
				return
			}
			if !r.allowSubmission() {
				r.writeError(w, req, http.StatusTooManyRequests,
					errors.InvalidRequest("submission rate limit exceeded, retry later"))
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

// withRecovery converts handler panics into system error responses.
func (r *Router) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("handler panic",
					log.String("path", req.URL.Path),
					log.Attr("panic", rec))
				r.writeError(w, req, http.StatusInternalServerError,
					errors.NewSystemError(
						[]string{errors.CodeUnexpected},
						"The runtime encountered an internal error handling the request.", nil))
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// withObservability logs each request and records it in Prometheus.
func (r *Router) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		elapsed := time.Since(start)
		route := strings.TrimPrefix(req.URL.Path, versionPrefix)
		if r.metrics != nil {
			r.metrics.ObserveRequest(route, req.Method, sw.status, elapsed)
			if r.service != nil {
				r.metrics.SetActiveRuns(r.service.ActiveRuns())
			}
		}

		oc, _ := opcontext.From(req.Context())
		logger := log.WithRequestID(r.logger, oc.RequestID)
		logger.Info("request completed",
			log.String("method", req.Method),
			log.String("path", req.URL.Path),
			log.Int("status", sw.status),
			log.Duration(log.DurationKey, elapsed.Milliseconds()))
	})
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
