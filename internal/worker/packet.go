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

// Package worker isolates flow execution in child processes. The
// runtime re-execs its own binary in worker mode, writes one
// WorkPacket to the child's stdin, and reads one WorkResult from a
// dedicated result pipe. A child that exits without writing a result
// is reported as crashed.
package worker

import (
	"fmt"

	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// Kind selects which executor operation a packet carries.
type Kind string

const (
	KindLine  Kind = "line"
	KindNode  Kind = "node"
	KindBatch Kind = "batch"
	KindMeta  Kind = "meta"
)

// WorkPacket is the full instruction set for one worker process.
// Exactly one of Line/Node/Batch/Meta is set, matching Kind.
type WorkPacket struct {
	Kind      Kind                    `json:"kind"`
	RunID     string                  `json:"run_id"`
	Engine    string                  `json:"engine"`
	OpContext opcontext.Context       `json:"operation_context"`
	Line      *executor.LineRequest   `json:"line,omitempty"`
	Node      *executor.NodeRequest   `json:"node,omitempty"`
	Batch     *executor.BatchRequest  `json:"batch,omitempty"`
	Meta      *executor.MetaRequest   `json:"meta,omitempty"`
	// Secrets are the credential values the worker must register with
	// its own log scrubber before executing anything.
	Secrets []string `json:"secrets,omitempty"`
}

// Validate checks that the packet is internally consistent.
func (p *WorkPacket) Validate() error {
	switch p.Kind {
	case KindLine:
		if p.Line == nil {
			return fmt.Errorf("line packet without line request")
		}
	case KindNode:
		if p.Node == nil {
			return fmt.Errorf("node packet without node request")
		}
	case KindBatch:
		if p.Batch == nil {
			return fmt.Errorf("batch packet without batch request")
		}
	case KindMeta:
		if p.Meta == nil {
			return fmt.Errorf("meta packet without meta request")
		}
	default:
		return fmt.Errorf("unknown packet kind %q", p.Kind)
	}
	if p.Kind != KindMeta && p.RunID == "" {
		return fmt.Errorf("packet without run id")
	}
	return nil
}

// WorkResult is the single message a worker writes back. Error is set
// instead of a payload when execution failed outright.
type WorkResult struct {
	Kind  Kind              `json:"kind"`
	Line  *run.LineResult   `json:"line,omitempty"`
	Node  *run.NodeResult   `json:"node,omitempty"`
	Batch *run.BatchResult  `json:"batch,omitempty"`
	Meta  *executor.FlowMeta `json:"meta,omitempty"`
	Error *errors.Envelope  `json:"error,omitempty"`
}
