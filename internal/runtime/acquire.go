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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/promptflow/runtime/internal/data"
	"github.com/promptflow/runtime/internal/storage"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/httpclient"
	"github.com/promptflow/runtime/pkg/run"
)

// inputClient fetches http(s) batch inputs.
var inputClient = func() *http.Client {
	c, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return http.DefaultClient
	}
	return c
}()

// acquireRows produces the batch input rows, either inline from the
// submission or by resolving and downloading the data uri.
func (s *Service) acquireRows(ctx context.Context, sub *BulkSubmission, dir string) ([]map[string]any, error) {
	maxRows := s.cfg.Execution.MaxRowsCount
	if len(sub.Rows) > 0 {
		if len(sub.Rows) > maxRows {
			return nil, errors.ExceedMaxRowsCount(len(sub.Rows), maxRows)
		}
		return sub.Rows, nil
	}
	rows, err := s.loadFromURI(ctx, sub.DataURI, dir, maxRows, true)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(rows), nil
}

// loadFromURI dispatches on the uri kind. Asset references resolve to
// a concrete uri first; allowAsset guards against resolution loops.
func (s *Service) loadFromURI(ctx context.Context, uri, dir string, maxRows int, allowAsset bool) ([]data.Row, error) {
	switch data.Classify(uri) {
	case data.KindLocal:
		info, err := os.Stat(uri)
		if err != nil {
			return nil, errors.DataAcquisition(err, uri)
		}
		if info.IsDir() {
			return data.LoadDir(uri, maxRows)
		}
		return data.LoadFile(uri, maxRows)

	case data.KindWasbs:
		httpsURL, err := data.RewriteWasbs(uri)
		if err != nil {
			return nil, err
		}
		file, err := s.downloadInput(ctx, httpsURL, dir)
		if err != nil {
			return nil, err
		}
		return data.LoadFile(file, maxRows)

	case data.KindHTTP:
		file, err := s.downloadInput(ctx, uri, dir)
		if err != nil {
			return nil, err
		}
		return data.LoadFile(file, maxRows)

	case data.KindAzureMLDatastore:
		ref, _ := data.ParseDatastoreRef(uri)
		blobs := s.storage.Blobs()
		if blobs == nil {
			return nil, errors.InvalidRequest(
				"datastore uris require a workspace attachment")
		}
		content, err := blobs.Download(ctx, ref.Datastore, ref.Path)
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, errors.InvalidRequest("datastore path not found: %s", uri)
		}
		file, err := writeInputFile(dir, filepath.Base(ref.Path), content)
		if err != nil {
			return nil, err
		}
		return data.LoadFile(file, maxRows)

	case data.KindAzureMLData, data.KindAzureMLAsset:
		if !allowAsset {
			return nil, errors.InvalidRequest(
				"data asset resolved to another asset reference: %s", uri)
		}
		ref, ok := data.ParseAssetRef(uri)
		if !ok {
			return nil, errors.InvalidRequest("malformed data reference: %s", uri)
		}
		if s.data == nil {
			return nil, errors.InvalidRequest(
				"data asset references require a workspace attachment")
		}
		resolved, err := s.data.ResolveDataVersion(ctx, ref.Name, ref.Version)
		if err != nil {
			return nil, err
		}
		return s.loadFromURI(ctx, resolved, dir, maxRows, false)

	default:
		return nil, errors.InvalidRequest(
			"registry data references are not supported: %s", uri)
	}
}

// fetchURL downloads a remote resource and returns its content.
func (s *Service) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.DataAcquisition(err, rawURL)
	}
	resp, err := inputClient.Do(req)
	if err != nil {
		return nil, errors.DataAcquisition(err, rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.DataAcquisition(
			fmt.Errorf("status %d", resp.StatusCode), rawURL)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.DataAcquisition(err, rawURL)
	}
	return content, nil
}

// downloadInput fetches a remote input file into the working dir's
// inputs/ folder and returns the local path.
func (s *Service) downloadInput(ctx context.Context, rawURL, dir string) (string, error) {
	content, err := s.fetchURL(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return writeInputFile(dir, inputFileName(rawURL), content)
}

func inputFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "input.jsonl"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "input.jsonl"
	}
	return base
}

func writeInputFile(dir, name string, content []byte) (string, error) {
	inputs := filepath.Join(dir, "inputs")
	if err := os.MkdirAll(inputs, 0o755); err != nil {
		return "", errors.Unexpected(err)
	}
	file := filepath.Join(inputs, name)
	if err := os.WriteFile(file, content, 0o644); err != nil {
		return "", errors.Unexpected(err)
	}
	return file, nil
}

// previousRunOutputs loads an earlier run's flow outputs so
// ${run.outputs.*} mappings can reference them (evaluation runs).
func (s *Service) previousRunOutputs(ctx context.Context, previousRunID string) ([]map[string]any, error) {
	blobs := s.storage.Blobs()
	if blobs == nil {
		return nil, errors.InvalidRequest(
			"previous_run_id requires a workspace attachment")
	}
	blobPath := storage.ArtifactRoot(previousRunID) + "/flow_outputs/output.jsonl"
	content, err := blobs.Download(ctx, s.storage.Container(), blobPath)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, errors.InvalidRequest(
			"previous run %s has no recorded outputs", previousRunID)
	}
	return parseJSONLines(content)
}

// resumeState downloads the resumed run's persisted results into
// resume_data/ and returns its completed line results keyed by line
// number.
func (s *Service) resumeState(ctx context.Context, resumeID, runID, dir string) (map[int]run.LineResult, error) {
	blobs := s.storage.Blobs()
	if blobs == nil {
		return nil, errors.InvalidRequest(
			"resume_from_run_id requires a workspace attachment")
	}
	root := storage.ArtifactRoot(resumeID)

	results, err := blobs.Download(ctx, s.storage.Container(), root+"/instance_results.jsonl")
	if err != nil {
		return nil, err
	}
	if results == nil {
		return nil, errors.InvalidRequest(
			"run %s has no persisted results to resume from", resumeID)
	}
	if err := writeResumeFile(dir, "debug_info", "instance_results.jsonl", results); err != nil {
		return nil, err
	}

	// Flow outputs are optional: a run that failed every line has none.
	outputs, err := blobs.Download(ctx, s.storage.Container(), root+"/flow_outputs/output.jsonl")
	if err != nil {
		return nil, err
	}
	if outputs != nil {
		if err := writeResumeFile(dir, "flow_outputs", "output.jsonl", outputs); err != nil {
			return nil, err
		}
	}

	resumed := make(map[int]run.LineResult)
	scanner := bufio.NewScanner(bytes.NewReader(results))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec struct {
			LineNumber int            `json:"line_number"`
			Status     string         `json:"status"`
			Inputs     map[string]any `json:"inputs"`
			Output     map[string]any `json:"output"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.DataAcquisition(err, resumeID)
		}
		if run.Status(rec.Status) != run.StatusCompleted {
			continue
		}
		resumed[rec.LineNumber] = run.LineResult{
			RunID:      fmt.Sprintf("%s_%d", runID, rec.LineNumber),
			LineNumber: rec.LineNumber,
			Status:     run.StatusCompleted,
			Inputs:     rec.Inputs,
			Output:     rec.Output,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.DataAcquisition(err, resumeID)
	}
	return resumed, nil
}

func writeResumeFile(dir, subdir, name string, content []byte) error {
	target := filepath.Join(dir, "resume_data", subdir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return errors.Unexpected(err)
	}
	if err := os.WriteFile(filepath.Join(target, name), content, 0o644); err != nil {
		return errors.Unexpected(err)
	}
	return nil
}

// writeLocalOutputs materializes the batch outputs in the working dir
// so post-processing can register them as the flow_outputs asset.
func writeLocalOutputs(dir string, batch *run.BatchResult) error {
	if len(batch.Outputs) == 0 {
		return nil
	}
	target := filepath.Join(dir, "flow_outputs")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(target, "output.jsonl"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, row := range batch.Outputs {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// applyMapping shapes acquired rows through the submission's input
// mapping.
func applyMapping(ctx context.Context, mapping data.Mapping, rows, prev []map[string]any) ([]map[string]any, error) {
	mapped, err := mapping.Apply(ctx, mapsToRows(rows), mapsToRows(prev))
	if err != nil {
		return nil, err
	}
	return rowsToMaps(mapped), nil
}

func parseJSONLines(content []byte) ([]map[string]any, error) {
	var rows []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, errors.Unexpected(err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}

func rowsToMaps(rows []data.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func mapsToRows(maps []map[string]any) []data.Row {
	out := make([]data.Row, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out
}
