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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/internal/runtime"
	"github.com/promptflow/runtime/pkg/errors"
)

func (r *Router) handleSubmitFlow(w http.ResponseWriter, req *http.Request) {
	var sub runtime.FlowSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	result, err := r.service.ExecuteFlow(req.Context(), &sub)
	r.recordSubmission("flow", err)
	if err != nil {
		// A line result may accompany the error when the flow itself
		// failed; the envelope carries the detail either way.
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleSubmitNode(w http.ResponseWriter, req *http.Request) {
	var sub runtime.NodeSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	result, err := r.service.ExecuteNode(req.Context(), &sub)
	r.recordSubmission("single_node", err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleSubmitFlowAsync(w http.ResponseWriter, req *http.Request) {
	var sub runtime.FlowSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	ack, err := r.service.SubmitFlowAsync(req.Context(), &sub)
	r.recordSubmission("flow_async", err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, ack)
}

func (r *Router) handleSubmitNodeAsync(w http.ResponseWriter, req *http.Request) {
	var sub runtime.NodeSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	ack, err := r.service.SubmitSingleNodeAsync(req.Context(), &sub)
	r.recordSubmission("single_node_async", err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, ack)
}

func (r *Router) handleSubmitBulkRun(w http.ResponseWriter, req *http.Request) {
	var sub runtime.BulkSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	ack, err := r.service.SubmitBulkRun(req.Context(), &sub)
	r.recordSubmission("bulk_run", err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, ack)
}

func (r *Router) handleStartAsyncRun(w http.ResponseWriter, req *http.Request) {
	var sub runtime.BulkSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	ack, err := r.service.StartAsyncRun(req.Context(), &sub)
	r.recordSubmission("async_run", err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, ack)
}

// cancelRequest identifies the run to cancel.
type cancelRequest struct {
	RunID string `json:"flow_run_id"`
}

func (r *Router) handleCancelRun(w http.ResponseWriter, req *http.Request) {
	var body cancelRequest
	if !r.decode(w, req, &body) {
		return
	}
	if body.RunID == "" {
		r.fail(w, req, errors.InvalidRequest("flow_run_id is required"))
		return
	}
	requested, err := r.service.CancelRun(req.Context(), body.RunID)
	r.recordCancel(requested, err)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	// Cancel is best effort: a run this instance no longer tracks gets
	// an affirmative response, not an error.
	message := fmt.Sprintf("Async run %s may already completed.", body.RunID)
	if requested {
		message = fmt.Sprintf("Set async run %s status to CancelRequested successfully.", body.RunID)
	}
	r.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (r *Router) handleMeta(w http.ResponseWriter, req *http.Request) {
	var sub runtime.FlowSubmission
	if !r.decode(w, req, &sub) {
		return
	}
	meta, err := r.service.GenerateMeta(req.Context(), &sub)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	r.writeJSON(w, http.StatusOK, meta)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "healthy"
	if r.service != nil && r.service.Draining() {
		status = "draining"
	}
	resp := map[string]any{
		"status":  status,
		"name":    r.config.Name,
		"version": r.config.Version,
	}
	if r.service != nil {
		resp["active_runs"] = r.service.ActiveRuns()
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, map[string]string{
		"name":       r.config.Name,
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

func (r *Router) handlePackageTools(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, map[string]any{
		"engines": executor.Names(),
	})
}

func (r *Router) recordSubmission(mode string, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	r.metrics.RecordSubmission(mode, outcome)
}

func (r *Router) recordCancel(requested bool, err error) {
	if r.metrics == nil {
		return
	}
	outcome := "not_found"
	switch {
	case err != nil:
		outcome = "error"
	case requested:
		outcome = "requested"
	}
	r.metrics.RecordCancel(outcome)
}

// decode parses the JSON request body into dst, answering with a
// validation error on malformed input. Returns false when the request
// has already been answered.
func (r *Router) decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		r.fail(w, req, errors.InvalidRequest("malformed request body: %v", err))
		return false
	}
	return true
}

// fail maps a classified error to its HTTP status.
func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	r.writeError(w, req, errors.HTTPStatus(err), err)
}

// writeError renders err as its wire envelope under errorResponse,
// with the request id as the reference code.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	oc, _ := opcontext.From(req.Context())
	r.writeJSON(w, status, map[string]any{
		"errorResponse": errors.Envelop(err, oc.RequestID),
	})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		r.logger.Error("failed to write response", log.Error(err))
	}
}
