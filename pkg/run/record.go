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

package run

import (
	"time"

	"github.com/promptflow/runtime/pkg/errors"
)

// Mode distinguishes the submission shapes a run can originate from.
type Mode string

const (
	ModeFlow            Mode = "Flow"
	ModeSingleNode      Mode = "SingleNode"
	ModeFlowAsync       Mode = "FlowAsync"
	ModeSingleNodeAsync Mode = "SingleNodeAsync"
	ModeBulk            Mode = "BulkRun"
	ModeAsync           Mode = "AsyncRun"
)

// Record is the persisted state of a root run.
type Record struct {
	ID         string            `json:"run_id"`
	Mode       Mode              `json:"mode"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Error      *errors.Envelope  `json:"error,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// LineResult is the outcome of one input line of a bulk run.
type LineResult struct {
	RunID     string           `json:"run_id"`
	LineNumber int             `json:"line_number"`
	Status    Status           `json:"status"`
	Inputs    map[string]any   `json:"inputs,omitempty"`
	Output    map[string]any   `json:"output,omitempty"`
	Error     *errors.Envelope `json:"error,omitempty"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	// APICalls records downstream tool invocations for debugging.
	// Dropped when a persisted record exceeds the storage size limit.
	APICalls []map[string]any `json:"api_calls,omitempty"`
	// NodeRuns carries per-node outcomes, including nodes bypassed by
	// an activate condition.
	NodeRuns []NodeResult `json:"node_runs,omitempty"`
}

// NodeResult is the outcome of one node of one line.
type NodeResult struct {
	NodeName   string           `json:"node_name"`
	LineNumber int              `json:"line_number"`
	Status     Status           `json:"status"`
	Output     any              `json:"output,omitempty"`
	Error      *errors.Envelope `json:"error,omitempty"`
	Variant    string           `json:"variant_id,omitempty"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time"`
}

// BatchResult aggregates the outcome of a bulk run.
type BatchResult struct {
	RootRunID        string           `json:"root_run_id"`
	Status           Status           `json:"status"`
	Lines            []LineResult     `json:"lines"`
	Nodes            []NodeResult     `json:"nodes,omitempty"`
	Outputs          []map[string]any `json:"outputs,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	BatchError       *errors.Envelope `json:"batch_error,omitempty"`
	AggregationError *errors.Envelope `json:"aggregation_error,omitempty"`
}
