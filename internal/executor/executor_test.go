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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/flow"
	"github.com/promptflow/runtime/pkg/run"
)

const classifyDAG = `
inputs:
  url:
    type: string
  threshold:
    type: double
    default: 0.5
outputs:
  category:
    type: string
    reference: ${classify.output}
nodes:
- name: fetch
  type: python
  source:
    type: code
    path: fetch.py
  inputs:
    url: ${inputs.url}
- name: classify
  type: python
  source:
    type: code
    path: classify.py
  inputs:
    text: ${fetch.output}
    threshold: ${inputs.threshold}
- name: log_negative
  type: python
  source:
    type: code
    path: log.py
  activate:
    when: ${classify.output}
    is: negative
  inputs:
    text: ${fetch.output}
`

func writeFlow(t *testing.T, dag string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, flow.DefinitionFileName), []byte(dag), 0o644))
	return dir
}

func TestLocalEngineExecLine(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()

	executed := make(map[string]bool)
	e.RegisterTool("python", func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		executed[node.Name] = true
		switch node.Name {
		case "fetch":
			return "page text for " + inputs["url"].(string), nil
		case "classify":
			return "positive", nil
		default:
			return inputs, nil
		}
	})

	result, err := e.ExecLine(context.Background(), &LineRequest{
		RunID:   "run-1",
		FlowDir: dir,
		Inputs:  map[string]any{"url": "https://a"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, result.Status)
	assert.Equal(t, "positive", result.Output["category"])
	// Default applied.
	assert.Equal(t, 0.5, result.Inputs["threshold"])
	// Activation condition false: log_negative is bypassed and its
	// node run records the Bypassed status.
	assert.False(t, executed["log_negative"])
	assert.True(t, executed["fetch"])

	statuses := make(map[string]run.Status)
	for _, n := range result.NodeRuns {
		statuses[n.NodeName] = n.Status
	}
	assert.Equal(t, run.StatusBypassed, statuses["log_negative"])
	assert.Equal(t, run.StatusCompleted, statuses["fetch"])
	assert.Equal(t, run.StatusCompleted, statuses["classify"])
}

func TestLocalEngineNodeFailureIsToolError(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()
	e.RegisterTool("python", func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})

	result, err := e.ExecLine(context.Background(), &LineRequest{
		RunID:   "run-1",
		FlowDir: dir,
		Inputs:  map[string]any{"url": "https://a"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
	assert.Equal(t, run.StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.ErrorCodeHierarchy, errors.CodeToolExecution)
}

func TestLocalEngineExecNode(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()
	e.RegisterTool("python", func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		return inputs["text"], nil
	})

	result, err := e.ExecNode(context.Background(), &NodeRequest{
		RunID:       "run-1",
		FlowDir:     dir,
		NodeName:    "classify",
		FlowInputs:  map[string]any{"threshold": 0.9},
		NodeOutputs: map[string]any{"fetch": "cached text"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, result.Status)
	assert.Equal(t, "cached text", result.Output)
}

func TestLocalEngineRunBatch(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()
	e.RegisterTool("python", func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		if node.Name == "fetch" {
			if inputs["url"] == "bad" {
				return nil, fmt.Errorf("fetch failed")
			}
			return "text", nil
		}
		return "positive", nil
	})

	result, err := e.RunBatch(context.Background(), &BatchRequest{
		RunID:   "batch-1",
		FlowDir: dir,
		Rows: []map[string]any{
			{"url": "https://a"},
			{"url": "bad"},
			{"url": "https://b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, result.Status)
	require.Len(t, result.Lines, 3)
	assert.Equal(t, run.StatusCompleted, result.Lines[0].Status)
	assert.Equal(t, run.StatusFailed, result.Lines[1].Status)
	assert.Len(t, result.Outputs, 2)
}

func TestLocalEngineRunBatchAllFailed(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()
	e.RegisterTool("python", func(ctx context.Context, node *flow.Node, inputs map[string]any) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	result, err := e.RunBatch(context.Background(), &BatchRequest{
		RunID:   "batch-1",
		FlowDir: dir,
		Rows:    []map[string]any{{"url": "a"}, {"url": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, result.Status)
	assert.NotNil(t, result.BatchError)
}

func TestLocalEngineGenerateMeta(t *testing.T) {
	dir := writeFlow(t, classifyDAG)
	e := NewLocalEngine()

	meta, err := e.GenerateMeta(context.Background(), &MetaRequest{FlowDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "string", meta.Inputs["url"].Type)
	assert.Equal(t, 0.5, meta.Inputs["threshold"].Default)
	assert.Contains(t, meta.Outputs, "category")
	assert.Len(t, meta.Nodes, 3)
}

func TestRegistry(t *testing.T) {
	e, err := New(LocalEngineName)
	require.NoError(t, err)
	assert.NotNil(t, e)

	_, err = New("nope")
	require.Error(t, err)
	assert.Contains(t, Names(), LocalEngineName)
}
