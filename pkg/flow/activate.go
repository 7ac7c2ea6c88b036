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
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"

	"github.com/promptflow/runtime/pkg/errors"
)

// Activate gates a node's execution. The simple form compares a
// referenced value against Is; Condition accepts a full boolean
// expression evaluated against the inputs and node outputs resolved so
// far. A node whose condition evaluates false is bypassed, and
// downstream nodes see no output from it.
type Activate struct {
	When      string `yaml:"when,omitempty"`
	Is        any    `yaml:"is,omitempty"`
	Condition string `yaml:"condition,omitempty"`
}

// Evaluate decides whether the node should run. The env maps "inputs"
// to the flow inputs and each executed node name to its output.
func (a *Activate) Evaluate(env map[string]any) (bool, error) {
	if a == nil {
		return true, nil
	}

	if a.Condition != "" {
		program, err := expr.Compile(a.Condition, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, errors.FlowValidation(
				"invalid activate condition %q: %v", a.Condition, err)
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return false, errors.FlowValidation(
				"activate condition %q failed: %v", a.Condition, err)
		}
		return out.(bool), nil
	}

	if a.When == "" {
		return true, nil
	}
	ref, err := ParseReference(a.When)
	if err != nil {
		return false, errors.FlowValidation("invalid activate.when: %v", err)
	}
	value, err := resolveRef(ref, env)
	if err != nil {
		return false, err
	}
	return looselyEqual(value, a.Is), nil
}

func resolveRef(ref Reference, env map[string]any) (any, error) {
	switch ref.Kind {
	case RefFlowInput:
		inputs, _ := env["inputs"].(map[string]any)
		return inputs[ref.Name], nil
	case RefNodeOutput:
		out, ok := env[ref.Name]
		if !ok {
			return nil, errors.FlowValidation(
				"activate.when references node %q with no output", ref.Name)
		}
		if ref.Path == "" {
			return out, nil
		}
		m, ok := out.(map[string]any)
		if !ok {
			return nil, errors.FlowValidation(
				"activate.when path %q on non-object output of %q", ref.Path, ref.Name)
		}
		return m[ref.Path], nil
	default:
		return nil, errors.FlowValidation(
			"activate.when must reference an input or node output, got %s", ref.Kind)
	}
}

// looselyEqual compares an activation value against the configured
// literal. YAML and JSON decode numbers differently (int vs float64),
// so numeric values compare by formatted value.
func looselyEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
