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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/promptflow/runtime/internal/data"
	"github.com/promptflow/runtime/pkg/errors"
)

// resolveDataInputs materializes the submission's named data sources
// and resolves ${source.path} references in the inputs map against
// them. Literal input values pass through untouched. Downloaded
// sources land under the working dir's inputs/ folder.
func (s *Service) resolveDataInputs(ctx context.Context, sub *FlowSubmission, dir string) error {
	if len(sub.DataInputs) == 0 {
		return nil
	}
	sources := make(map[string]map[string]any, len(sub.DataInputs))
	for name, di := range sub.DataInputs {
		switch {
		case di.UniversalLink != "":
			obj, err := s.downloadDataInput(ctx, name, di.UniversalLink, dir)
			if err != nil {
				return err
			}
			sources[name] = obj
		case di.Inputs != nil:
			sources[name] = di.Inputs
		default:
			return errors.InvalidDataInputs(
				"data input %s needs a universal_link or inline inputs", name)
		}
	}

	resolved := make(map[string]any, len(sub.Inputs))
	for key, value := range sub.Inputs {
		ref, ok := value.(string)
		if !ok || !strings.HasPrefix(ref, "${") || !strings.HasSuffix(ref, "}") {
			resolved[key] = value
			continue
		}
		v, err := lookupDataRef(ref[2:len(ref)-1], sources)
		if err != nil {
			return err
		}
		resolved[key] = v
	}
	sub.Inputs = resolved
	return nil
}

func (s *Service) downloadDataInput(ctx context.Context, name, link, dir string) (map[string]any, error) {
	if strings.HasSuffix(link, "/") {
		return nil, errors.InvalidDataInputs(
			"data input %s: universal_link %s points to a directory, expected a file", name, link)
	}
	file, err := s.downloadInput(ctx, link, dir)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Unexpected(err)
	}
	var obj map[string]any
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, errors.InvalidDataInputs(
			"data input %s: %s is not a JSON object", name, link)
	}
	return obj, nil
}

// lookupDataRef resolves a source.path reference against the named
// sources. Source names may themselves contain dots ("main.output"),
// so the longest source name prefixing the reference wins; the rest of
// the reference walks the source object field by field.
func lookupDataRef(ref string, sources map[string]map[string]any) (any, error) {
	var srcName string
	for name := range sources {
		if (ref == name || strings.HasPrefix(ref, name+".")) && len(name) > len(srcName) {
			srcName = name
		}
	}
	if srcName == "" {
		return nil, errors.InvalidDataInputs(
			"input reference ${%s} matches no data input", ref)
	}
	var cur any = sources[srcName]
	rest := strings.TrimPrefix(strings.TrimPrefix(ref, srcName), ".")
	if rest == "" {
		return cur, nil
	}
	for _, field := range strings.Split(rest, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, errors.InvalidDataInputs(
				"input reference ${%s}: %s has no field %s", ref, srcName, field)
		}
		cur, ok = obj[field]
		if !ok {
			return nil, errors.InvalidDataInputs(
				"input reference ${%s}: field %s not found", ref, field)
		}
	}
	return cur, nil
}

// downloadDependencyOutputs fetches persisted upstream node outputs
// into dir/dependency_nodes_outputs and returns them keyed by node
// name. Paths may be http(s) urls, wasbs urls, local files, or
// workspace blob paths.
func (s *Service) downloadDependencyOutputs(ctx context.Context, paths map[string]string, dir string) (map[string]any, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	target := filepath.Join(dir, "dependency_nodes_outputs")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, errors.Unexpected(err)
	}
	outputs := make(map[string]any, len(paths))
	for node, p := range paths {
		content, err := s.readDependencyOutput(ctx, node, p)
		if err != nil {
			return nil, err
		}
		file := filepath.Join(target, node+".json")
		if err := os.WriteFile(file, content, 0o644); err != nil {
			return nil, errors.Unexpected(err)
		}
		var value any
		if err := json.Unmarshal(content, &value); err != nil {
			// Non-JSON outputs stand in as raw text.
			value = string(content)
		}
		outputs[node] = value
	}
	return outputs, nil
}

func (s *Service) readDependencyOutput(ctx context.Context, node, p string) ([]byte, error) {
	switch data.Classify(p) {
	case data.KindHTTP:
		return s.fetchURL(ctx, p)
	case data.KindWasbs:
		httpsURL, err := data.RewriteWasbs(p)
		if err != nil {
			return nil, err
		}
		return s.fetchURL(ctx, httpsURL)
	default:
		if content, err := os.ReadFile(p); err == nil {
			return content, nil
		}
		blobs := s.storage.Blobs()
		if blobs == nil {
			return nil, errors.InvalidRequest(
				"node_output_paths[%s]: cannot resolve %s without a workspace attachment", node, p)
		}
		content, err := blobs.Download(ctx, s.storage.Container(), p)
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, errors.InvalidRequest(
				"node_output_paths[%s]: %s not found", node, p)
		}
		return content, nil
	}
}
