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

package azure

import (
	"context"
	"fmt"
	"time"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// RunHistoryClient talks to the workspace run history service, the
// system of record for root run status.
type RunHistoryClient struct {
	*client
}

// NewRunHistoryClient creates a run history client.
func NewRunHistoryClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*RunHistoryClient, error) {
	c, err := newClient(endpoint, ws, tokens)
	if err != nil {
		return nil, err
	}
	return &RunHistoryClient{client: c}, nil
}

func (c *RunHistoryClient) runURL(runID, suffix string) string {
	u := fmt.Sprintf("%s/runs/%s", c.workspacePath("history"), runID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// CreateRun registers a run with the tracking service.
func (c *RunHistoryClient) CreateRun(ctx context.Context, runID string, properties map[string]string) error {
	body := map[string]any{
		"runId":      runID,
		"properties": properties,
	}
	if err := c.doJSON(ctx, "PATCH", c.runURL(runID, ""), body, nil); err != nil {
		return errors.RunHistoryOperation(err, "create_run")
	}
	return nil
}

// UpdateRunStatus moves the run to the given status.
func (c *RunHistoryClient) UpdateRunStatus(ctx context.Context, runID string, status run.Status) error {
	body := map[string]any{"status": string(status)}
	if err := c.doJSON(ctx, "PATCH", c.runURL(runID, ""), body, nil); err != nil {
		return errors.RunHistoryOperation(err, "update_run_status")
	}
	return nil
}

// UpdateRunStatusWithRetry retries the status update until it succeeds,
// the attempt budget is spent, or the deadline passes. Cancellation
// uses this: the child process is already dead, so the status write is
// the only record that the cancel happened.
func (c *RunHistoryClient) UpdateRunStatusWithRetry(ctx context.Context, runID string, status run.Status, attempts int, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = c.UpdateRunStatus(ctx, runID, status)
		if lastErr == nil {
			return nil
		}
		if errors.IsUserError(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return errors.RunHistoryOperation(lastErr, "update_run_status")
		case <-time.After(time.Second):
		}
	}
	return errors.RunHistoryOperation(lastErr, "update_run_status")
}

// PatchRunProperties merges properties onto the run record.
func (c *RunHistoryClient) PatchRunProperties(ctx context.Context, runID string, properties map[string]string) error {
	body := map[string]any{"properties": properties}
	if err := c.doJSON(ctx, "PATCH", c.runURL(runID, ""), body, nil); err != nil {
		return errors.RunHistoryOperation(err, "patch_run_properties")
	}
	return nil
}

// UploadMetrics records run-level metrics, including the per-line and
// per-node status summary.
func (c *RunHistoryClient) UploadMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	values := make([]map[string]any, 0, len(metrics))
	for name, value := range metrics {
		values = append(values, map[string]any{
			"name":  name,
			"value": value,
		})
	}
	body := map[string]any{"metrics": values}
	if err := c.doJSON(ctx, "POST", c.runURL(runID, "metrics"), body, nil); err != nil {
		return errors.RunHistoryOperation(err, "upload_metrics")
	}
	return nil
}

// EndRun moves the run to a terminal status, recording the error
// envelope for failed and canceled runs.
func (c *RunHistoryClient) EndRun(ctx context.Context, runID string, status run.Status, runError *errors.Envelope) error {
	if !status.IsTerminal() {
		return errors.Unexpected(fmt.Errorf("EndRun with non-terminal status %s", status))
	}
	body := map[string]any{"status": string(status)}
	if runError != nil {
		body["error"] = map[string]any{"error": runError}
	}
	if err := c.doJSON(ctx, "POST", c.runURL(runID, "end"), body, nil); err != nil {
		return errors.RunHistoryOperation(err, "end_run")
	}
	return nil
}

// GetRunStatus fetches the current status of a run.
func (c *RunHistoryClient) GetRunStatus(ctx context.Context, runID string) (run.Status, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, "GET", c.runURL(runID, ""), nil, &out); err != nil {
		return "", errors.RunHistoryOperation(err, "get_run")
	}
	return run.Status(out.Status), nil
}
