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

package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// ArtifactBatchSize is how many line records share one artifact file.
const ArtifactBatchSize = 25

// CloudRunStorageV2 streams bulk run results to blob storage in the
// v2 artifact layout: line records bucketed into append blobs under
// flow_artifacts/, one-line summaries in instance_results.jsonl, and
// per-node records under node_artifacts/.
type CloudRunStorageV2 struct {
	blobs     *azure.BlobClient
	container string

	mu      sync.Mutex
	created map[string]bool
	metaFor map[string]bool
}

// NewCloudRunStorageV2 creates the bulk run backend.
func NewCloudRunStorageV2(blobs *azure.BlobClient, container string) *CloudRunStorageV2 {
	return &CloudRunStorageV2{
		blobs:     blobs,
		container: container,
		created:   make(map[string]bool),
		metaFor:   make(map[string]bool),
	}
}

func runPrefix(rootRunID string) string {
	return fmt.Sprintf("promptflow/PromptFlowArtifacts/%s", rootRunID)
}

// ArtifactRoot returns the blob prefix holding a run's persisted
// artifacts. Resume and evaluation runs read earlier runs through it.
func ArtifactRoot(rootRunID string) string {
	return runPrefix(rootRunID)
}

// artifactPath buckets a line number into its artifact file. Both
// bounds are zero-padded so the files list in line order.
func artifactPath(rootRunID string, lineNumber int) string {
	lower := (lineNumber / ArtifactBatchSize) * ArtifactBatchSize
	upper := lower + ArtifactBatchSize - 1
	return fmt.Sprintf("%s/flow_artifacts/%09d_%09d.jsonl", runPrefix(rootRunID), lower, upper)
}

// ensureAppendBlob creates an append blob once per storage instance,
// and writes meta.json the first time a run persists anything.
func (s *CloudRunStorageV2) ensureAppendBlob(ctx context.Context, rootRunID, path string) error {
	s.mu.Lock()
	needCreate := !s.created[path]
	needMeta := !s.metaFor[rootRunID]
	s.mu.Unlock()

	if needMeta {
		meta, _ := json.Marshal(map[string]any{"batch_size": ArtifactBatchSize})
		metaPath := fmt.Sprintf("%s/meta.json", runPrefix(rootRunID))
		if err := s.blobs.UploadBlockBlob(ctx, s.container, metaPath, meta); err != nil {
			return err
		}
		s.mu.Lock()
		s.metaFor[rootRunID] = true
		s.mu.Unlock()
	}
	if needCreate {
		if err := s.blobs.CreateAppendBlob(ctx, s.container, path); err != nil {
			return err
		}
		s.mu.Lock()
		s.created[path] = true
		s.mu.Unlock()
	}
	return nil
}

// PersistLineRun appends the line record to its artifact bucket and a
// summary line to instance_results.jsonl. A 413 from the service means
// the record is too big; api_calls carries the bulk, so it is dropped
// and the append retried once.
func (s *CloudRunStorageV2) PersistLineRun(ctx context.Context, rootRunID string, line *run.LineResult) error {
	path := artifactPath(rootRunID, line.LineNumber)
	if err := s.ensureAppendBlob(ctx, rootRunID, path); err != nil {
		return err
	}

	err := s.appendLineRecord(ctx, path, line)
	if stderrors.Is(err, azure.ErrRequestEntityTooLarge) && line.APICalls != nil {
		trimmed := *line
		trimmed.APICalls = nil
		err = s.appendLineRecord(ctx, path, &trimmed)
	}
	if err != nil {
		return err
	}

	summary, merr := json.Marshal(map[string]any{
		"line_number": line.LineNumber,
		"status":      line.Status,
		"inputs":      line.Inputs,
		"output":      line.Output,
	})
	if merr != nil {
		return errors.StorageOperation(merr, "persist_line_run")
	}
	resultsPath := fmt.Sprintf("%s/instance_results.jsonl", runPrefix(rootRunID))
	if err := s.ensureAppendBlob(ctx, rootRunID, resultsPath); err != nil {
		return err
	}
	return s.blobs.AppendBlock(ctx, s.container, resultsPath, append(summary, '\n'))
}

func (s *CloudRunStorageV2) appendLineRecord(ctx context.Context, path string, line *run.LineResult) error {
	record, err := json.Marshal(map[string]any{
		"line_number": line.LineNumber,
		"run_info":    line,
	})
	if err != nil {
		return errors.StorageOperation(err, "persist_line_run")
	}
	return s.blobs.AppendBlock(ctx, s.container, path, append(record, '\n'))
}

// PersistNodeRun writes one node record as a block blob.
func (s *CloudRunStorageV2) PersistNodeRun(ctx context.Context, rootRunID string, node *run.NodeResult) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.StorageOperation(err, "persist_node_run")
	}
	path := fmt.Sprintf("%s/node_artifacts/%s/%09d.jsonl", runPrefix(rootRunID), node.NodeName, node.LineNumber)
	return s.blobs.UploadBlockBlob(ctx, s.container, path, data)
}

// PersistResult writes the flow outputs as a jsonl artifact for asset
// registration.
func (s *CloudRunStorageV2) PersistResult(ctx context.Context, rootRunID string, result *run.BatchResult) error {
	var buf []byte
	for _, row := range result.Outputs {
		line, err := json.Marshal(row)
		if err != nil {
			return errors.StorageOperation(err, "persist_result")
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	path := fmt.Sprintf("%s/flow_outputs/output.jsonl", runPrefix(rootRunID))
	return s.blobs.UploadBlockBlob(ctx, s.container, path, buf)
}

func (s *CloudRunStorageV2) Close() error {
	return nil
}
