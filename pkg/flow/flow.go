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

// Package flow models the flow definition: the DAG of tool nodes, its
// inputs and outputs, and the ${...} reference syntax that links them.
package flow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/promptflow/runtime/pkg/errors"
)

// DefinitionFileName is the canonical flow definition file inside a
// snapshot.
const DefinitionFileName = "flow.dag.yaml"

// Flow is a parsed flow definition.
type Flow struct {
	Inputs  map[string]InputDef  `yaml:"inputs"`
	Outputs map[string]OutputDef `yaml:"outputs"`
	Nodes   []Node               `yaml:"nodes"`

	// NodeVariants maps a node name to its variant set. Only one
	// variant is active per run.
	NodeVariants map[string]VariantSet `yaml:"node_variants,omitempty"`
}

// InputDef declares a flow input.
type InputDef struct {
	Type    string `yaml:"type"`
	Default any    `yaml:"default,omitempty"`
	// IsChatInput marks the input bound to the chat box in the portal.
	IsChatInput bool `yaml:"is_chat_input,omitempty"`
}

// OutputDef declares a flow output backed by a node reference.
type OutputDef struct {
	Type      string `yaml:"type"`
	Reference string `yaml:"reference"`
}

// Node is one tool invocation in the DAG.
type Node struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Source     Source         `yaml:"source"`
	Inputs     map[string]any `yaml:"inputs,omitempty"`
	Connection string         `yaml:"connection,omitempty"`
	Provider   string         `yaml:"provider,omitempty"`
	API        string         `yaml:"api,omitempty"`
	Activate   *Activate      `yaml:"activate,omitempty"`
	// Aggregation nodes run once over all line results instead of per
	// line.
	Aggregation bool `yaml:"aggregation,omitempty"`
	// UseVariants marks a node whose body comes from node_variants.
	UseVariants bool `yaml:"use_variants,omitempty"`
}

// Source locates a node's implementation.
type Source struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
	Tool string `yaml:"tool,omitempty"`
}

// VariantSet holds the variants of one node.
type VariantSet struct {
	DefaultVariantID string             `yaml:"default_variant_id"`
	Variants         map[string]Variant `yaml:"variants"`
}

// Variant is one alternative body for a node.
type Variant struct {
	Node Node `yaml:"node"`
}

// Load reads and parses the flow definition under dir.
func Load(dir string) (*Flow, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefinitionFileName))
	if err != nil {
		return nil, errors.WrapUser(err,
			[]string{errors.CodeValidation, errors.CodeFlowValidation},
			"Flow definition {file} could not be read.",
			map[string]string{"file": DefinitionFileName})
	}
	return Parse(data)
}

// Parse parses a flow definition from YAML.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapUser(err,
			[]string{errors.CodeValidation, errors.CodeFlowValidation},
			"Flow definition is not valid YAML: {reason}",
			map[string]string{"reason": err.Error()})
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Node returns the node with the given name, or nil.
func (f *Flow) Node(name string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Name == name {
			return &f.Nodes[i]
		}
	}
	return nil
}

// ConnectionNames lists the distinct connection names referenced by
// the flow's nodes, in definition order.
func (f *Flow) ConnectionNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, n := range f.Nodes {
		if n.Connection == "" {
			continue
		}
		if _, ok := seen[n.Connection]; ok {
			continue
		}
		seen[n.Connection] = struct{}{}
		names = append(names, n.Connection)
	}
	return names
}

// Validate checks structural invariants: unique node names, resolvable
// references, and an acyclic dependency graph.
func (f *Flow) Validate() error {
	names := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.Name == "" {
			return errors.FlowValidation("node with empty name")
		}
		if _, dup := names[n.Name]; dup {
			return errors.FlowValidation("duplicate node name %q", n.Name)
		}
		names[n.Name] = struct{}{}
	}

	for _, n := range f.Nodes {
		for input, value := range n.Inputs {
			ref, ok := MaybeParseReference(value)
			if !ok {
				continue
			}
			if err := f.checkReference(ref); err != nil {
				return errors.FlowValidation(
					"node %q input %q: %v", n.Name, input, err)
			}
		}
	}

	for name, out := range f.Outputs {
		ref, err := ParseReference(out.Reference)
		if err != nil {
			return errors.FlowValidation("output %q: %v", name, err)
		}
		if err := f.checkReference(ref); err != nil {
			return errors.FlowValidation("output %q: %v", name, err)
		}
	}

	if _, err := f.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

func (f *Flow) checkReference(ref Reference) error {
	switch ref.Kind {
	case RefFlowInput:
		if _, ok := f.Inputs[ref.Name]; !ok {
			return fmt.Errorf("unknown flow input %q", ref.Name)
		}
	case RefNodeOutput:
		if f.Node(ref.Name) == nil {
			return fmt.Errorf("unknown node %q", ref.Name)
		}
	}
	return nil
}

// TopologicalOrder returns the nodes in dependency order. Aggregation
// nodes sort after all regular nodes they depend on, like any other
// node.
func (f *Flow) TopologicalOrder() ([]Node, error) {
	deps := make(map[string][]string, len(f.Nodes))
	for _, n := range f.Nodes {
		for _, value := range n.Inputs {
			if ref, ok := MaybeParseReference(value); ok && ref.Kind == RefNodeOutput {
				deps[n.Name] = append(deps[n.Name], ref.Name)
			}
		}
		if n.Activate != nil {
			if ref, err := ParseReference(n.Activate.When); err == nil && ref.Kind == RefNodeOutput {
				deps[n.Name] = append(deps[n.Name], ref.Name)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(f.Nodes))
	var order []Node
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return errors.FlowValidation("cycle involving node %q", name)
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if f.Node(dep) == nil {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, *f.Node(name))
		return nil
	}
	for _, n := range f.Nodes {
		if err := visit(n.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
