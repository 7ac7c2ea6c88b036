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
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/promptflow/runtime/internal/data"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/flow"
)

// workDir returns the per-request working directory for a run.
func (s *Service) workDir(runID string) string {
	return filepath.Join(s.cfg.Execution.RequestsDir, runID)
}

// prepareWorkDir creates requests/{run_id} and materializes the flow
// into it: from the inline definition, by restoring the snapshot, or
// from the flow_source location.
func (s *Service) prepareWorkDir(ctx context.Context, sub *FlowSubmission) (string, error) {
	dir := s.workDir(sub.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Unexpected(err)
	}

	switch {
	case sub.FlowDefinition != "":
		// Parse before writing so a bad definition fails fast.
		if _, err := flow.Parse([]byte(sub.FlowDefinition)); err != nil {
			return "", err
		}
		path := filepath.Join(dir, flow.DefinitionFileName)
		if err := os.WriteFile(path, []byte(sub.FlowDefinition), 0o644); err != nil {
			return "", errors.Unexpected(err)
		}
	case sub.SnapshotID != "":
		if err := s.restoreSnapshot(ctx, sub.SnapshotID, dir); err != nil {
			return "", err
		}
	case sub.FlowSource != nil:
		if err := s.materializeFlowSource(ctx, sub.FlowSource, dir); err != nil {
			return "", err
		}
	}
	if sub.FlowSource != nil && sub.FlowSource.DagFile != "" {
		if err := selectDagFile(dir, sub.FlowSource.DagFile); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (s *Service) restoreSnapshot(ctx context.Context, snapshotID, dir string) error {
	if s.snapshots == nil {
		return errors.InvalidRequest(
			"snapshot submissions require a workspace attachment")
	}
	return s.snapshots.Restore(ctx, snapshotID, dir)
}

// materializeFlowSource fetches the flow body from the location the
// flow_source names.
func (s *Service) materializeFlowSource(ctx context.Context, src *FlowSource, dir string) error {
	switch {
	case src.SnapshotID != "":
		return s.restoreSnapshot(ctx, src.SnapshotID, dir)
	case src.FileShareURL != "":
		if s.fileshares == nil {
			return errors.InvalidRequest(
				"file_share_url submissions are not supported by this runtime")
		}
		return s.fileshares.DownloadDir(ctx, src.FileShareURL, dir)
	case src.DataURI != "":
		return s.materializeFlowFromURI(ctx, src.DataURI, dir)
	default:
		return errors.InvalidRequest(
			"flow_source needs one of file_share_url, snapshot_id, or data_uri")
	}
}

// materializeFlowFromURI resolves a flow_source data uri: a local
// directory is copied whole, everything else is treated as the dag
// file itself.
func (s *Service) materializeFlowFromURI(ctx context.Context, uri, dir string) error {
	switch data.Classify(uri) {
	case data.KindLocal:
		info, err := os.Stat(uri)
		if err != nil {
			return errors.DataAcquisition(err, uri)
		}
		if info.IsDir() {
			if err := copyFlowDir(uri, dir); err != nil {
				return errors.DataAcquisition(err, uri)
			}
			return nil
		}
		content, err := os.ReadFile(uri)
		if err != nil {
			return errors.DataAcquisition(err, uri)
		}
		return writeDagFile(dir, content)

	case data.KindHTTP:
		content, err := s.fetchURL(ctx, uri)
		if err != nil {
			return err
		}
		return writeDagFile(dir, content)

	case data.KindWasbs:
		httpsURL, err := data.RewriteWasbs(uri)
		if err != nil {
			return err
		}
		content, err := s.fetchURL(ctx, httpsURL)
		if err != nil {
			return err
		}
		return writeDagFile(dir, content)

	case data.KindAzureMLDatastore:
		ref, _ := data.ParseDatastoreRef(uri)
		blobs := s.storage.Blobs()
		if blobs == nil {
			return errors.InvalidRequest(
				"datastore uris require a workspace attachment")
		}
		content, err := blobs.Download(ctx, ref.Datastore, ref.Path)
		if err != nil {
			return err
		}
		if content == nil {
			return errors.InvalidRequest("datastore path not found: %s", uri)
		}
		return writeDagFile(dir, content)

	default:
		return errors.InvalidRequest("unsupported flow_source data_uri: %s", uri)
	}
}

// writeDagFile validates and installs dag content under the default
// definition name.
func writeDagFile(dir string, content []byte) error {
	if _, err := flow.Parse(content); err != nil {
		return err
	}
	path := filepath.Join(dir, flow.DefinitionFileName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errors.Unexpected(err)
	}
	return nil
}

// selectDagFile promotes a non-default dag file to the definition name
// the executor loads.
func selectDagFile(dir, dagFile string) error {
	src := filepath.Join(dir, filepath.Clean(dagFile))
	content, err := os.ReadFile(src)
	if err != nil {
		return errors.InvalidRequest(
			"flow_dag_file %s not found in the flow directory", dagFile)
	}
	if src == filepath.Join(dir, flow.DefinitionFileName) {
		return nil
	}
	return writeDagFile(dir, content)
}

// copyFlowDir copies the flow directory tree into the working dir.
func copyFlowDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}

// writeRunOutput persists a sync run's result JSON under the
// submission's output_sub_dir inside the working directory.
func writeRunOutput(dir, subDir string, result any) error {
	target := filepath.Join(dir, filepath.Clean(subDir))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return errors.Unexpected(err)
	}
	content, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Unexpected(err)
	}
	if err := os.WriteFile(filepath.Join(target, "output.json"), content, 0o644); err != nil {
		return errors.Unexpected(err)
	}
	return nil
}

// removeWorkDir deletes a run's working directory.
func (s *Service) removeWorkDir(runID string) {
	dir := s.workDir(runID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove working directory",
			log.String(log.RunIDKey, runID), log.Error(err))
	}
}

// StartReaper deletes request directories older than the configured
// TTL, once per hour, until ctx is canceled. Directories of active
// runs are skipped regardless of age.
func (s *Service) StartReaper(ctx context.Context) {
	ttl := s.cfg.Execution.RequestDirTTL
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reapOnce(ttl)
			}
		}
	}()
}

func (s *Service) reapOnce(ttl time.Duration) {
	entries, err := os.ReadDir(s.cfg.Execution.RequestsDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		s.mu.Lock()
		_, active := s.activeRuns[runID]
		s.mu.Unlock()
		if active {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		s.logger.Debug("reaping expired request directory",
			log.String(log.RunIDKey, runID))
		os.RemoveAll(filepath.Join(s.cfg.Execution.RequestsDir, runID))
	}
}
