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

// Package executor defines the contract between the runtime and flow
// execution engines. The runtime never executes flow code itself; it
// hands a request to an Engine inside a worker process and consumes
// structured results.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/promptflow/runtime/internal/connections"
	"github.com/promptflow/runtime/pkg/run"
)

// LineRequest executes the flow once over a single input row.
type LineRequest struct {
	RunID       string                            `json:"run_id"`
	FlowDir     string                            `json:"flow_dir"`
	LineNumber  int                               `json:"line_number"`
	Inputs      map[string]any                    `json:"inputs"`
	Connections map[string]connections.Connection `json:"connections,omitempty"`
	EnvVars     map[string]string                 `json:"environment_variables,omitempty"`
}

// NodeRequest executes one node in isolation, with the outputs of its
// dependencies supplied by the caller.
type NodeRequest struct {
	RunID       string                            `json:"run_id"`
	FlowDir     string                            `json:"flow_dir"`
	NodeName    string                            `json:"node_name"`
	Variant     string                            `json:"variant_id,omitempty"`
	FlowInputs  map[string]any                    `json:"flow_inputs,omitempty"`
	NodeOutputs map[string]any                    `json:"node_outputs,omitempty"`
	Connections map[string]connections.Connection `json:"connections,omitempty"`
	EnvVars     map[string]string                 `json:"environment_variables,omitempty"`
}

// BatchRequest executes the flow over every input row.
type BatchRequest struct {
	RunID   string           `json:"run_id"`
	FlowDir string           `json:"flow_dir"`
	Rows    []map[string]any `json:"rows"`
	// LineNumbers overrides the implicit 0..n-1 numbering. Resumed
	// runs skip completed lines, so the remaining rows keep their
	// original numbers.
	LineNumbers []int                             `json:"line_numbers,omitempty"`
	Connections map[string]connections.Connection `json:"connections,omitempty"`
	EnvVars     map[string]string                 `json:"environment_variables,omitempty"`
}

// MetaRequest generates tool metadata for a flow folder.
type MetaRequest struct {
	FlowDir string `json:"flow_dir"`
}

// FlowMeta describes a flow's interface for authoring clients.
type FlowMeta struct {
	Inputs  map[string]MetaPort `json:"inputs"`
	Outputs map[string]MetaPort `json:"outputs"`
	Nodes   []MetaNode          `json:"nodes"`
}

// MetaPort is one input or output of the flow.
type MetaPort struct {
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

// MetaNode summarizes one node of the flow.
type MetaNode struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Engine runs flows. Implementations live inside worker processes;
// every method honors ctx cancellation.
type Engine interface {
	ExecLine(ctx context.Context, req *LineRequest) (*run.LineResult, error)
	ExecNode(ctx context.Context, req *NodeRequest) (*run.NodeResult, error)
	RunBatch(ctx context.Context, req *BatchRequest) (*run.BatchResult, error)
	GenerateMeta(ctx context.Context, req *MetaRequest) (*FlowMeta, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Engine)
)

// Register makes an engine constructor available under a name.
// Engines register from init; a duplicate name panics.
func Register(name string, factory func() Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("executor: engine %q registered twice", name))
	}
	registry[name] = factory
}

// New constructs the named engine.
func New(name string) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown engine %q (have %v)", name, Names())
	}
	return factory(), nil
}

// Names lists registered engine names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
