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

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/flow"
	"github.com/promptflow/runtime/pkg/run"
)

// LocalEngineName selects the in-process engine.
const LocalEngineName = "local"

func init() {
	Register(LocalEngineName, func() Engine { return NewLocalEngine() })
}

// ToolFunc executes one node given its resolved inputs.
type ToolFunc func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error)

// LocalEngine walks the flow DAG in process. It dispatches nodes to
// registered tool functions by node type; unregistered types echo
// their resolved inputs, which is enough for contract tests and dry
// runs.
type LocalEngine struct {
	tools map[string]ToolFunc
}

// NewLocalEngine creates a local engine with no tools registered.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{tools: make(map[string]ToolFunc)}
}

// RegisterTool installs a tool function for a node type.
func (e *LocalEngine) RegisterTool(nodeType string, fn ToolFunc) {
	e.tools[nodeType] = fn
}

func (e *LocalEngine) toolFor(node *flow.Node) ToolFunc {
	if fn, ok := e.tools[node.Type]; ok {
		return fn
	}
	return func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		return inputs, nil
	}
}

// ExecLine runs the non-aggregation nodes of the flow over one input
// row and assembles the flow outputs.
func (e *LocalEngine) ExecLine(ctx context.Context, req *LineRequest) (*run.LineResult, error) {
	result := &run.LineResult{
		RunID:      fmt.Sprintf("%s_%d", req.RunID, req.LineNumber),
		LineNumber: req.LineNumber,
		StartTime:  time.Now().UTC(),
	}

	f, err := flow.Load(req.FlowDir)
	if err != nil {
		return nil, err
	}
	inputs := withDefaults(f, req.Inputs)
	result.Inputs = inputs

	nodeOutputs, nodeResults, err := e.runNodes(ctx, f, req.LineNumber, inputs, false)
	result.NodeRuns = nodeResults
	result.EndTime = time.Now().UTC()
	if err != nil {
		result.Status = run.StatusFailed
		result.Error = errors.Envelop(err, "")
		return result, err
	}

	outputs, err := resolveOutputs(f, inputs, nodeOutputs)
	if err != nil {
		result.Status = run.StatusFailed
		result.Error = errors.Envelop(err, "")
		return result, err
	}
	result.Output = outputs
	result.Status = run.StatusCompleted
	return result, nil
}

// ExecNode runs a single node with dependency outputs supplied by the
// caller.
func (e *LocalEngine) ExecNode(ctx context.Context, req *NodeRequest) (*run.NodeResult, error) {
	result := &run.NodeResult{
		NodeName:  req.NodeName,
		Variant:   req.Variant,
		StartTime: time.Now().UTC(),
	}

	f, err := flow.Load(req.FlowDir)
	if err != nil {
		return nil, err
	}
	node, err := effectiveNode(f, req.NodeName, req.Variant)
	if err != nil {
		return nil, err
	}

	env := envFrom(req.FlowInputs, req.NodeOutputs)
	inputs, err := resolveNodeInputs(node, env)
	if err != nil {
		return nil, err
	}
	output, err := e.toolFor(node)(ctx, node, inputs)
	result.EndTime = time.Now().UTC()
	if err != nil {
		result.Status = run.StatusFailed
		result.Error = errors.Envelop(err, "")
		return result, err
	}
	result.Output = output
	result.Status = run.StatusCompleted
	return result, nil
}

// RunBatch runs every row, then the aggregation nodes once over the
// collected results. Line failures do not abort the batch.
func (e *LocalEngine) RunBatch(ctx context.Context, req *BatchRequest) (*run.BatchResult, error) {
	result := &run.BatchResult{RootRunID: req.RunID}

	f, err := flow.Load(req.FlowDir)
	if err != nil {
		return nil, err
	}

	completed := 0
	for i, row := range req.Rows {
		if err := ctx.Err(); err != nil {
			return nil, errors.TerminatedByUser(req.RunID)
		}
		lineNumber := i
		if i < len(req.LineNumbers) {
			lineNumber = req.LineNumbers[i]
		}
		lineReq := &LineRequest{
			RunID:       req.RunID,
			FlowDir:     req.FlowDir,
			LineNumber:  lineNumber,
			Inputs:      row,
			Connections: req.Connections,
			EnvVars:     req.EnvVars,
		}
		lineResult, err := e.ExecLine(ctx, lineReq)
		if err != nil && lineResult == nil {
			return nil, err
		}
		result.Lines = append(result.Lines, *lineResult)
		result.Nodes = append(result.Nodes, lineResult.NodeRuns...)
		if lineResult.Status == run.StatusCompleted {
			completed++
			result.Outputs = append(result.Outputs, lineResult.Output)
		}
	}

	if err := e.runAggregation(ctx, f, result); err != nil {
		result.AggregationError = errors.Envelop(err, "")
	}

	if completed == 0 && len(req.Rows) > 0 {
		result.Status = run.StatusFailed
		result.BatchError = result.Lines[0].Error
	} else {
		result.Status = run.StatusCompleted
	}
	return result, nil
}

// GenerateMeta describes the flow interface without executing it.
func (e *LocalEngine) GenerateMeta(ctx context.Context, req *MetaRequest) (*FlowMeta, error) {
	f, err := flow.Load(req.FlowDir)
	if err != nil {
		return nil, err
	}
	meta := &FlowMeta{
		Inputs:  make(map[string]MetaPort, len(f.Inputs)),
		Outputs: make(map[string]MetaPort, len(f.Outputs)),
	}
	for name, def := range f.Inputs {
		meta.Inputs[name] = MetaPort{Type: def.Type, Default: def.Default}
	}
	for name, def := range f.Outputs {
		meta.Outputs[name] = MetaPort{Type: def.Type}
	}
	for _, node := range f.Nodes {
		meta.Nodes = append(meta.Nodes, MetaNode{Name: node.Name, Type: node.Type})
	}
	return meta, nil
}

// runNodes executes the DAG in topological order, skipping (unless
// aggregation is set) aggregation nodes. A node whose activate
// condition is false is recorded with a Bypassed status and produces
// no output. Returns the output of every executed node keyed by name.
func (e *LocalEngine) runNodes(ctx context.Context, f *flow.Flow, lineNumber int, inputs map[string]any, aggregation bool) (map[string]any, []run.NodeResult, error) {
	order, err := f.TopologicalOrder()
	if err != nil {
		return nil, nil, err
	}

	outputs := make(map[string]any)
	var results []run.NodeResult
	for i := range order {
		node := &order[i]
		if node.Aggregation != aggregation {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		env := envFrom(inputs, outputs)
		active, err := node.Activate.Evaluate(env)
		if err != nil {
			return nil, nil, err
		}
		if !active {
			now := time.Now().UTC()
			results = append(results, run.NodeResult{
				NodeName:   node.Name,
				LineNumber: lineNumber,
				Status:     run.StatusBypassed,
				StartTime:  now,
				EndTime:    now,
			})
			continue
		}

		resolved, err := resolveNodeInputs(node, env)
		if err != nil {
			return nil, nil, err
		}
		nodeResult := run.NodeResult{
			NodeName:   node.Name,
			LineNumber: lineNumber,
			StartTime:  time.Now().UTC(),
		}
		output, err := e.toolFor(node)(ctx, node, resolved)
		nodeResult.EndTime = time.Now().UTC()
		if err != nil {
			nodeResult.Status = run.StatusFailed
			nodeResult.Error = errors.Envelop(err, "")
			results = append(results, nodeResult)
			return nil, results, errors.WrapUser(err,
				[]string{errors.CodeToolExecution},
				"Node {node_name} failed: {reason}",
				map[string]string{"node_name": node.Name, "reason": err.Error()})
		}
		nodeResult.Status = run.StatusCompleted
		nodeResult.Output = output
		results = append(results, nodeResult)
		outputs[node.Name] = output
	}
	return outputs, results, nil
}

// runAggregation executes aggregation nodes over the batch result.
// Their env exposes the completed line outputs as "outputs".
func (e *LocalEngine) runAggregation(ctx context.Context, f *flow.Flow, batch *run.BatchResult) error {
	hasAggregation := false
	for _, node := range f.Nodes {
		if node.Aggregation {
			hasAggregation = true
			break
		}
	}
	if !hasAggregation {
		return nil
	}

	rows := make([]any, len(batch.Outputs))
	for i, out := range batch.Outputs {
		rows[i] = out
	}
	env := map[string]any{"outputs": rows}
	for i := range f.Nodes {
		node := &f.Nodes[i]
		if !node.Aggregation {
			continue
		}
		resolved, err := resolveNodeInputs(node, env)
		if err != nil {
			return err
		}
		output, err := e.toolFor(node)(ctx, node, resolved)
		if err != nil {
			return err
		}
		if metrics, ok := output.(map[string]float64); ok {
			if batch.Metrics == nil {
				batch.Metrics = make(map[string]float64)
			}
			for k, v := range metrics {
				batch.Metrics[k] = v
			}
		}
	}
	return nil
}

// effectiveNode resolves a node, substituting the requested or default
// variant body for use_variants nodes.
func effectiveNode(f *flow.Flow, name, variant string) (*flow.Node, error) {
	node := f.Node(name)
	if node == nil {
		return nil, errors.FlowValidation("flow has no node %q", name)
	}
	if !node.UseVariants {
		return node, nil
	}
	set, ok := f.NodeVariants[name]
	if !ok {
		return nil, errors.FlowValidation("node %q uses variants but none are defined", name)
	}
	if variant == "" {
		variant = set.DefaultVariantID
	}
	v, ok := set.Variants[variant]
	if !ok {
		return nil, errors.FlowValidation("node %q has no variant %q", name, variant)
	}
	body := v.Node
	body.Name = name
	return &body, nil
}

// envFrom builds the reference-resolution environment: "inputs" plus
// each executed node's output under its name.
func envFrom(inputs map[string]any, nodeOutputs map[string]any) map[string]any {
	env := make(map[string]any, len(nodeOutputs)+1)
	env["inputs"] = inputs
	for name, out := range nodeOutputs {
		env[name] = out
	}
	return env
}

// resolveNodeInputs replaces ${...} references in a node's inputs with
// their current values. Literals pass through.
func resolveNodeInputs(node *flow.Node, env map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(node.Inputs))
	for name, value := range node.Inputs {
		ref, ok := flow.MaybeParseReference(value)
		if !ok {
			resolved[name] = value
			continue
		}
		v, err := resolveEnvRef(ref, env)
		if err != nil {
			return nil, errors.FlowValidation(
				"node %q input %q: %v", node.Name, name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}

func resolveEnvRef(ref flow.Reference, env map[string]any) (any, error) {
	switch ref.Kind {
	case flow.RefFlowInput:
		inputs, _ := env["inputs"].(map[string]any)
		v, ok := inputs[ref.Name]
		if !ok {
			return nil, fmt.Errorf("flow input %q not provided", ref.Name)
		}
		return v, nil
	case flow.RefNodeOutput:
		out, ok := env[ref.Name]
		if !ok {
			// Bypassed dependency: downstream sees nil.
			return nil, nil
		}
		if ref.Path == "" {
			return out, nil
		}
		m, ok := out.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output of %q is not an object", ref.Name)
		}
		return m[ref.Path], nil
	default:
		return nil, fmt.Errorf("reference %s not valid in node inputs", ref.String())
	}
}

// resolveOutputs materializes the flow outputs from node outputs.
func resolveOutputs(f *flow.Flow, inputs, nodeOutputs map[string]any) (map[string]any, error) {
	outputs := make(map[string]any, len(f.Outputs))
	env := envFrom(inputs, nodeOutputs)
	for name, def := range f.Outputs {
		ref, err := flow.ParseReference(def.Reference)
		if err != nil {
			return nil, errors.FlowValidation("output %q: %v", name, err)
		}
		v, err := resolveEnvRef(ref, env)
		if err != nil {
			return nil, errors.FlowValidation("output %q: %v", name, err)
		}
		outputs[name] = v
	}
	return outputs, nil
}

// withDefaults overlays provided inputs on the flow's declared
// defaults.
func withDefaults(f *flow.Flow, provided map[string]any) map[string]any {
	inputs := make(map[string]any, len(f.Inputs))
	for name, def := range f.Inputs {
		if def.Default != nil {
			inputs[name] = def.Default
		}
	}
	for name, v := range provided {
		inputs[name] = v
	}
	return inputs
}
