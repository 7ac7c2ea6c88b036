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

package runtime

import (
	"path/filepath"
	"strings"

	"github.com/promptflow/runtime/internal/data"
	"github.com/promptflow/runtime/pkg/errors"
)

// FlowSource locates the flow body when it is not inline. At most one
// of FileShareURL, SnapshotID, and DataURI may be set; DagFile selects
// a non-default definition file inside the resolved directory.
type FlowSource struct {
	// FileShareURL points at a SAS-authorized file share directory
	// holding the flow.
	FileShareURL string `json:"file_share_url,omitempty"`
	// SnapshotID names a content snapshot to restore.
	SnapshotID string `json:"snapshot_id,omitempty"`
	// DataURI locates the flow directory or dag file (local, http,
	// wasbs).
	DataURI string `json:"data_uri,omitempty"`
	// DagFile is the flow-dir-relative dag file to execute, for flows
	// whose definition is not stored under the default name.
	DagFile string `json:"flow_dag_file,omitempty"`
}

func (fs *FlowSource) locations() int {
	n := 0
	if fs.FileShareURL != "" {
		n++
	}
	if fs.SnapshotID != "" {
		n++
	}
	if fs.DataURI != "" {
		n++
	}
	return n
}

// DataInput is one named source an async flow's input references
// resolve against. Exactly one of UniversalLink and Inputs should be
// set: a link is downloaded as a JSON object, inline inputs are used
// as given.
type DataInput struct {
	UniversalLink string         `json:"universal_link,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
}

// PredefinedPolicies carries service-set execution policies.
type PredefinedPolicies struct {
	// LogFilters are regular expressions masked out of persisted error
	// messages.
	LogFilters []string `json:"log_filters,omitempty"`
}

// FlowSubmission is a synchronous or async flow execution request.
// The flow body comes inline (FlowDefinition, dag YAML), from a
// snapshot, or from a FlowSource location.
type FlowSubmission struct {
	RunID          string            `json:"flow_run_id"`
	FlowDefinition string            `json:"flow_definition,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	FlowSource     *FlowSource       `json:"flow_source,omitempty"`
	Inputs         map[string]any    `json:"inputs,omitempty"`
	EnvVars        map[string]string `json:"environment_variables,omitempty"`
	Engine         string            `json:"engine,omitempty"`

	// DataInputs are named remote or inline sources for async flow
	// runs; Inputs values like ${source.field} resolve against them.
	DataInputs map[string]DataInput `json:"data_inputs,omitempty"`

	// OutputSubDir is a flow-dir-relative directory where the run's
	// output JSON is written after a successful sync execution.
	OutputSubDir string `json:"output_sub_dir,omitempty"`

	// Policies are service-set execution policies.
	Policies *PredefinedPolicies `json:"predefined_policies,omitempty"`
}

// Validate checks the submission shape.
func (s *FlowSubmission) Validate() error {
	if s.RunID == "" {
		return errors.InvalidRequest("flow_run_id is required")
	}
	sources := 0
	if s.FlowDefinition != "" {
		sources++
	}
	if s.SnapshotID != "" {
		sources++
	}
	if s.FlowSource != nil {
		sources += s.FlowSource.locations()
		if filepath.IsAbs(s.FlowSource.DagFile) {
			return errors.InvalidRequest("flow_dag_file must be relative to the flow directory")
		}
	}
	switch {
	case sources == 0:
		return errors.InvalidRequest("a flow source is required: flow_definition, snapshot_id, or flow_source")
	case sources > 1:
		return errors.InvalidRequest("flow sources are mutually exclusive, got %d", sources)
	}
	if filepath.IsAbs(s.OutputSubDir) {
		return errors.InvalidRequest("output_sub_dir must be relative to the flow directory")
	}
	return nil
}

// NodeSubmission executes one node of a flow.
type NodeSubmission struct {
	FlowSubmission
	NodeName  string `json:"node_name"`
	VariantID string `json:"variant_id,omitempty"`
	// IsDefaultVariant, when set to false, requires VariantID to name
	// the variant under execution.
	IsDefaultVariant *bool          `json:"is_default_variant,omitempty"`
	NodeOutputs      map[string]any `json:"node_outputs,omitempty"`
	// NodeOutputPaths locates persisted outputs of upstream nodes,
	// keyed by node name, downloaded before execution.
	NodeOutputPaths map[string]string `json:"node_output_paths,omitempty"`
}

// Validate checks the submission shape.
func (s *NodeSubmission) Validate() error {
	if err := s.FlowSubmission.Validate(); err != nil {
		return err
	}
	if s.NodeName == "" {
		return errors.InvalidRequest("node_name is required")
	}
	if s.IsDefaultVariant != nil && !*s.IsDefaultVariant && s.VariantID == "" {
		return errors.InvalidRequest("variant_id is required when is_default_variant is false")
	}
	return nil
}

// splitInputs separates a single-node inputs map into flow inputs and
// upstream node outputs. Keys may carry a ${...} wrapper. A key under
// the flow namespace ("flow.text") names a flow input; a key with a
// ".output" suffix ("parser.output") names the node whose value stands
// in for that node's result. Bare keys are flow inputs. Explicit
// NodeOutputs entries win over values parsed out of the inputs map.
func (s *NodeSubmission) splitInputs() (map[string]any, map[string]any) {
	flowInputs := make(map[string]any, len(s.Inputs))
	nodeOutputs := make(map[string]any, len(s.NodeOutputs))
	for key, value := range s.Inputs {
		name := key
		if strings.HasPrefix(name, "${") && strings.HasSuffix(name, "}") {
			name = name[2 : len(name)-1]
		}
		switch {
		case strings.HasPrefix(name, "flow."):
			flowInputs[strings.TrimPrefix(name, "flow.")] = value
		case strings.HasSuffix(name, ".output"):
			nodeOutputs[strings.TrimSuffix(name, ".output")] = value
		default:
			flowInputs[name] = value
		}
	}
	for name, value := range s.NodeOutputs {
		nodeOutputs[name] = value
	}
	return flowInputs, nodeOutputs
}

// BulkSubmission runs a flow over a batch input.
type BulkSubmission struct {
	FlowSubmission
	// DataURI locates the batch input (wasbs, azureml, http, local).
	DataURI string `json:"data_uri,omitempty"`
	// Rows carries inline batch input when no DataURI is given.
	Rows []map[string]any `json:"batch_inputs,omitempty"`
	// InputMapping shapes rows into flow inputs.
	InputMapping data.Mapping `json:"inputs_mapping,omitempty"`
	// PreviousRunID references an earlier run whose outputs feed
	// ${run.outputs.*} mappings (evaluation runs).
	PreviousRunID string `json:"previous_run_id,omitempty"`
	// ResumeFromRunID restarts a failed bulk run reusing its completed
	// line results.
	ResumeFromRunID string `json:"resume_from_run_id,omitempty"`
}

// Validate checks the submission shape.
func (s *BulkSubmission) Validate() error {
	if err := s.FlowSubmission.Validate(); err != nil {
		return err
	}
	if s.DataURI == "" && len(s.Rows) == 0 {
		return errors.DataInputsNotFound()
	}
	return nil
}

// SubmitAck acknowledges a background submission.
type SubmitAck struct {
	RunID  string `json:"flow_run_id"`
	Status string `json:"status"`
}
