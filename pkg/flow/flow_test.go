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

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/pkg/errors"
)

const classificationFlow = `
inputs:
  url:
    type: string
outputs:
  category:
    type: string
    reference: ${convert_to_dict.output.category}
nodes:
- name: fetch_text
  type: python
  source:
    type: code
    path: fetch_text.py
  inputs:
    url: ${inputs.url}
- name: classify_with_llm
  type: llm
  source:
    type: code
    path: classify_with_llm.jinja2
  inputs:
    text: ${fetch_text.output}
  connection: azure_open_ai_connection
  provider: AzureOpenAI
  api: chat
- name: convert_to_dict
  type: python
  source:
    type: code
    path: convert_to_dict.py
  inputs:
    raw: ${classify_with_llm.output}
`

func TestParseFlow(t *testing.T) {
	f, err := Parse([]byte(classificationFlow))
	require.NoError(t, err)

	assert.Len(t, f.Nodes, 3)
	assert.Equal(t, []string{"azure_open_ai_connection"}, f.ConnectionNames())

	llm := f.Node("classify_with_llm")
	require.NotNil(t, llm)
	assert.Equal(t, "llm", llm.Type)
}

func TestParseFlowRejectsDuplicateNodeNames(t *testing.T) {
	bad := `
nodes:
- name: a
  type: python
  source: {type: code, path: a.py}
- name: a
  type: python
  source: {type: code, path: b.py}
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
}

func TestParseFlowRejectsUnknownReference(t *testing.T) {
	bad := `
inputs:
  url: {type: string}
nodes:
- name: a
  type: python
  source: {type: code, path: a.py}
  inputs:
    x: ${inputs.missing}
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestParseFlowRejectsCycle(t *testing.T) {
	bad := `
nodes:
- name: a
  type: python
  source: {type: code, path: a.py}
  inputs:
    x: ${b.output}
- name: b
  type: python
  source: {type: code, path: b.py}
  inputs:
    x: ${a.output}
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestTopologicalOrder(t *testing.T) {
	f, err := Parse([]byte(classificationFlow))
	require.NoError(t, err)

	order, err := f.TopologicalOrder()
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n.Name] = i
	}
	assert.Less(t, pos["fetch_text"], pos["classify_with_llm"])
	assert.Less(t, pos["classify_with_llm"], pos["convert_to_dict"])
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in   string
		want Reference
	}{
		{"${inputs.url}", Reference{Kind: RefFlowInput, Name: "url"}},
		{"${data.question}", Reference{Kind: RefData, Name: "question"}},
		{"${run.outputs.category}", Reference{Kind: RefRunOutput, Name: "category"}},
		{"${fetch_text.output}", Reference{Kind: RefNodeOutput, Name: "fetch_text"}},
		{"${fetch_text.output.title}", Reference{Kind: RefNodeOutput, Name: "fetch_text", Path: "title"}},
	}
	for _, tt := range tests {
		got, err := ParseReference(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.in, got.String(), "round trip")
	}
}

func TestParseReferenceRejectsLiterals(t *testing.T) {
	for _, in := range []string{"plain", "${}", "${unknown}", "$inputs.x"} {
		_, err := ParseReference(in)
		assert.Error(t, err, in)
	}

	_, ok := MaybeParseReference("literal value")
	assert.False(t, ok)
	_, ok = MaybeParseReference(42)
	assert.False(t, ok)
}

func TestActivateSimpleForm(t *testing.T) {
	a := &Activate{When: "${inputs.mode}", Is: "full"}
	env := map[string]any{"inputs": map[string]any{"mode": "full"}}

	ok, err := a.Evaluate(env)
	require.NoError(t, err)
	assert.True(t, ok)

	env["inputs"].(map[string]any)["mode"] = "quick"
	ok, err = a.Evaluate(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivateNumericLooseEquality(t *testing.T) {
	// YAML decodes "is: 3" to int, JSON inputs arrive as float64.
	a := &Activate{When: "${inputs.level}", Is: 3}
	env := map[string]any{"inputs": map[string]any{"level": float64(3)}}

	ok, err := a.Evaluate(env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivateConditionExpression(t *testing.T) {
	a := &Activate{Condition: `score > 0.5 && mode == "full"`}
	env := map[string]any{"score": 0.9, "mode": "full"}

	ok, err := a.Evaluate(env)
	require.NoError(t, err)
	assert.True(t, ok)

	env["score"] = 0.1
	ok, err = a.Evaluate(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivateNilRuns(t *testing.T) {
	var a *Activate
	ok, err := a.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
