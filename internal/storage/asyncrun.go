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
	"fmt"
	"time"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// Overview is the live status document of an async run. Pollers read
// it directly from blob storage instead of the tracking service.
type Overview struct {
	RunID      string            `json:"run_id"`
	FlowStatus run.Status        `json:"flow_status"`
	// NodeStatus keys are "{node}" or "{node}.{variant}".
	NodeStatus map[string]run.Status `json:"node_status,omitempty"`
	Cancelling bool                  `json:"cancelling,omitempty"`
	Error      *errors.Envelope      `json:"error,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// AsyncRunStorage keeps an async run's overview.json current in blob
// storage. Every mutation happens under a short blob lease so the
// runtime and a concurrent cancel request cannot clobber each other.
type AsyncRunStorage struct {
	blobs     *azure.BlobClient
	container string
}

// NewAsyncRunStorage creates the async backend.
func NewAsyncRunStorage(blobs *azure.BlobClient, container string) *AsyncRunStorage {
	return &AsyncRunStorage{blobs: blobs, container: container}
}

func overviewPath(rootRunID string) string {
	return fmt.Sprintf("runs/%s/overview.json", rootRunID)
}

// mutate downloads the overview, applies fn, and writes it back, all
// under a lease. A missing blob starts from a zero-valued overview.
func (s *AsyncRunStorage) mutate(ctx context.Context, rootRunID string, fn func(*Overview) error) (*Overview, error) {
	path := overviewPath(rootRunID)
	if err := s.blobs.UploadIfAbsent(ctx, s.container, path, []byte("{}")); err != nil {
		return nil, err
	}
	leaseID, err := s.blobs.AcquireLease(ctx, s.container, path)
	if err != nil {
		return nil, err
	}
	defer s.blobs.ReleaseLease(ctx, s.container, path, leaseID)

	data, err := s.blobs.Download(ctx, s.container, path)
	if err != nil {
		return nil, err
	}
	var ov Overview
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ov); err != nil {
			return nil, errors.StorageOperation(err, "read_overview")
		}
	}
	ov.RunID = rootRunID
	if err := fn(&ov); err != nil {
		return nil, err
	}
	ov.UpdatedAt = time.Now().UTC()
	updated, err := json.Marshal(&ov)
	if err != nil {
		return nil, errors.StorageOperation(err, "write_overview")
	}
	if err := s.blobs.UploadWithLease(ctx, s.container, path, leaseID, updated); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Overview reads the current overview document. Returns nil when the
// run has no overview yet.
func (s *AsyncRunStorage) Overview(ctx context.Context, rootRunID string) (*Overview, error) {
	data, err := s.blobs.Download(ctx, s.container, overviewPath(rootRunID))
	if err != nil || data == nil {
		return nil, err
	}
	var ov Overview
	if err := json.Unmarshal(data, &ov); err != nil {
		return nil, errors.StorageOperation(err, "read_overview")
	}
	return &ov, nil
}

// UpdateFlowStatus moves the flow-level status. Illegal transitions
// are dropped rather than rejected: a late Running update must not
// resurrect a run that a concurrent cancel already marked Canceled.
func (s *AsyncRunStorage) UpdateFlowStatus(ctx context.Context, rootRunID string, status run.Status) error {
	_, err := s.mutate(ctx, rootRunID, func(ov *Overview) error {
		if ov.FlowStatus != "" && !run.CanTransition(ov.FlowStatus, status) {
			return nil
		}
		ov.FlowStatus = status
		return nil
	})
	return err
}

// UpdateNodeStatus records one node's status.
func (s *AsyncRunStorage) UpdateNodeStatus(ctx context.Context, rootRunID, nodeName, variant string, status run.Status) error {
	key := nodeName
	if variant != "" {
		key = nodeName + "." + variant
	}
	_, err := s.mutate(ctx, rootRunID, func(ov *Overview) error {
		if ov.NodeStatus == nil {
			ov.NodeStatus = make(map[string]run.Status)
		}
		ov.NodeStatus[key] = status
		return nil
	})
	return err
}

// RequestCancel flips the cancelling flag and moves the flow status to
// CancelRequested. Returns false when the run is already terminal, in
// which case nothing is written.
func (s *AsyncRunStorage) RequestCancel(ctx context.Context, rootRunID string) (bool, error) {
	requested := false
	_, err := s.mutate(ctx, rootRunID, func(ov *Overview) error {
		if ov.FlowStatus.IsTerminal() {
			return nil
		}
		ov.Cancelling = true
		ov.FlowStatus = run.StatusCancelRequested
		requested = true
		return nil
	})
	return requested, err
}

// CancelRequested reports whether a cancel has been requested.
func (s *AsyncRunStorage) CancelRequested(ctx context.Context, rootRunID string) (bool, error) {
	ov, err := s.Overview(ctx, rootRunID)
	if err != nil || ov == nil {
		return false, err
	}
	return ov.Cancelling, nil
}

// PersistLineRun records an async line result under the run prefix.
func (s *AsyncRunStorage) PersistLineRun(ctx context.Context, rootRunID string, line *run.LineResult) error {
	data, err := json.Marshal(line)
	if err != nil {
		return errors.StorageOperation(err, "persist_line_run")
	}
	path := fmt.Sprintf("runs/%s/lines/%d.json", rootRunID, line.LineNumber)
	return s.blobs.UploadBlockBlob(ctx, s.container, path, data)
}

// PersistNodeRun records a node result and mirrors its status into the
// overview document.
func (s *AsyncRunStorage) PersistNodeRun(ctx context.Context, rootRunID string, node *run.NodeResult) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.StorageOperation(err, "persist_node_run")
	}
	name := node.NodeName
	if node.Variant != "" {
		name = node.NodeName + "." + node.Variant
	}
	path := fmt.Sprintf("runs/%s/nodes/%s/status.json", rootRunID, name)
	if err := s.blobs.UploadBlockBlob(ctx, s.container, path, data); err != nil {
		return err
	}
	return s.UpdateNodeStatus(ctx, rootRunID, node.NodeName, node.Variant, node.Status)
}

// PersistResult writes the final result and settles the overview on a
// terminal status.
func (s *AsyncRunStorage) PersistResult(ctx context.Context, rootRunID string, result *run.BatchResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.StorageOperation(err, "persist_result")
	}
	path := fmt.Sprintf("runs/%s/result.json", rootRunID)
	if err := s.blobs.UploadBlockBlob(ctx, s.container, path, data); err != nil {
		return err
	}
	_, err = s.mutate(ctx, rootRunID, func(ov *Overview) error {
		ov.FlowStatus = result.Status
		ov.Cancelling = false
		ov.Error = result.BatchError
		return nil
	})
	return err
}

func (s *AsyncRunStorage) Close() error {
	return nil
}
