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
	"regexp"
	"strings"
)

// RefKind classifies what a ${...} reference points at.
type RefKind string

const (
	// RefFlowInput references a flow input: ${inputs.url}.
	RefFlowInput RefKind = "inputs"
	// RefNodeOutput references another node's output:
	// ${fetch_text.output} or ${fetch_text.output.title}.
	RefNodeOutput RefKind = "node"
	// RefData references a column of the batch input data: ${data.url}.
	RefData RefKind = "data"
	// RefRunOutput references an output of a referenced previous run:
	// ${run.outputs.category}.
	RefRunOutput RefKind = "run"
)

// Reference is a parsed ${...} reference.
type Reference struct {
	Kind RefKind
	// Name is the flow input name, node name, or data column.
	Name string
	// Path is the trailing selector below the output, e.g. "title" in
	// ${fetch_text.output.title}. Empty for whole-output references.
	Path string
}

var refPattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// ParseReference parses a ${...} reference string.
func ParseReference(s string) (Reference, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Reference{}, fmt.Errorf("not a reference: %q", s)
	}
	parts := strings.Split(m[1], ".")
	switch {
	case parts[0] == "inputs" && len(parts) == 2:
		return Reference{Kind: RefFlowInput, Name: parts[1]}, nil
	case parts[0] == "data" && len(parts) == 2:
		return Reference{Kind: RefData, Name: parts[1]}, nil
	case parts[0] == "run" && len(parts) >= 3 && parts[1] == "outputs":
		return Reference{Kind: RefRunOutput, Name: strings.Join(parts[2:], ".")}, nil
	case len(parts) >= 2 && parts[1] == "output":
		return Reference{
			Kind: RefNodeOutput,
			Name: parts[0],
			Path: strings.Join(parts[2:], "."),
		}, nil
	default:
		return Reference{}, fmt.Errorf("unrecognized reference form: %q", s)
	}
}

// MaybeParseReference parses value as a reference if it is a string in
// ${...} form. Literal values return ok=false.
func MaybeParseReference(value any) (Reference, bool) {
	s, isString := value.(string)
	if !isString {
		return Reference{}, false
	}
	ref, err := ParseReference(s)
	if err != nil {
		return Reference{}, false
	}
	return ref, true
}

// String renders the reference back to ${...} form.
func (r Reference) String() string {
	switch r.Kind {
	case RefFlowInput:
		return fmt.Sprintf("${inputs.%s}", r.Name)
	case RefData:
		return fmt.Sprintf("${data.%s}", r.Name)
	case RefRunOutput:
		return fmt.Sprintf("${run.outputs.%s}", r.Name)
	case RefNodeOutput:
		if r.Path != "" {
			return fmt.Sprintf("${%s.output.%s}", r.Name, r.Path)
		}
		return fmt.Sprintf("${%s.output}", r.Name)
	}
	return ""
}
