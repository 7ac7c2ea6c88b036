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

// Package storage persists run results. The backend is chosen per
// submission mode: synchronous test runs keep results in a local index
// only, async runs track live status in an overview blob, and bulk
// runs stream line artifacts to append blobs.
package storage

import (
	"context"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/pkg/run"
)

// RunStorage persists the results a run produces as it executes.
type RunStorage interface {
	// PersistLineRun records the outcome of one input line.
	PersistLineRun(ctx context.Context, rootRunID string, line *run.LineResult) error
	// PersistNodeRun records the outcome of one node of one line.
	PersistNodeRun(ctx context.Context, rootRunID string, node *run.NodeResult) error
	// PersistResult records the aggregate outcome once the run ends.
	PersistResult(ctx context.Context, rootRunID string, result *run.BatchResult) error
	// Close releases backend resources and flushes buffered records.
	Close() error
}

// StatusStorage is implemented by backends that track live status
// outside run history, so pollers and cancel requests can observe a
// run without the tracking service.
type StatusStorage interface {
	UpdateFlowStatus(ctx context.Context, rootRunID string, status run.Status) error
	UpdateNodeStatus(ctx context.Context, rootRunID, nodeName, variant string, status run.Status) error
	// RequestCancel marks the run as cancel-requested. Returns false
	// when the run is already terminal.
	RequestCancel(ctx context.Context, rootRunID string) (bool, error)
	// CancelRequested reports whether a cancel has been requested.
	CancelRequested(ctx context.Context, rootRunID string) (bool, error)
}

// Factory selects the storage backend for a submission mode.
type Factory struct {
	cfg   config.StorageConfig
	blobs *azure.BlobClient
	index *LocalIndex
}

// NewFactory creates a factory. blobs may be nil when the runtime has
// no workspace attachment; cloud-backed modes then fall back to the
// dummy backend.
func NewFactory(cfg config.StorageConfig, blobs *azure.BlobClient) (*Factory, error) {
	idx, err := OpenLocalIndex(cfg.LocalIndexPath)
	if err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg, blobs: blobs, index: idx}, nil
}

// ForMode returns the storage backend for the given submission mode.
func (f *Factory) ForMode(mode run.Mode) RunStorage {
	if f.blobs == nil {
		return NewDummyRunStorage(f.index)
	}
	switch mode {
	case run.ModeBulk:
		return NewCloudRunStorageV2(f.blobs, f.cfg.Container)
	case run.ModeAsync, run.ModeFlowAsync, run.ModeSingleNodeAsync:
		return NewAsyncRunStorage(f.blobs, f.cfg.Container)
	default:
		return NewDummyRunStorage(f.index)
	}
}

// Async returns the async status backend, or nil without a workspace.
func (f *Factory) Async() *AsyncRunStorage {
	if f.blobs == nil {
		return nil
	}
	return NewAsyncRunStorage(f.blobs, f.cfg.Container)
}

// Blobs exposes the blob client, or nil without a workspace.
func (f *Factory) Blobs() *azure.BlobClient {
	return f.blobs
}

// Container returns the configured artifact container.
func (f *Factory) Container() string {
	return f.cfg.Container
}

// Index exposes the local run index for diagnostics endpoints.
func (f *Factory) Index() *LocalIndex {
	return f.index
}

// Close closes the local index.
func (f *Factory) Close() error {
	return f.index.Close()
}
