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

// Package postprocess finishes a bulk run after execution: status
// summary metrics, run-history properties, artifact and asset
// registration, and the terminal status update.
package postprocess

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// Named output assets registered for every finished bulk run.
const (
	AssetFlowOutputs = "flow_outputs"
	AssetDebugInfo   = "debug_info"
)

// artifactPatterns selects which working-directory files belong to
// each registered asset.
var artifactPatterns = map[string][]string{
	AssetFlowOutputs: {"flow_outputs/**"},
	AssetDebugInfo:   {"flow_artifacts/**", "node_artifacts/**", "*.log"},
}

// TrackingClient is the run-history slice the processor needs.
type TrackingClient interface {
	UploadMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	PatchRunProperties(ctx context.Context, runID string, properties map[string]string) error
	EndRun(ctx context.Context, runID string, status run.Status, runError *errors.Envelope) error
}

// ArtifactRegistrar registers artifact paths against a run.
type ArtifactRegistrar interface {
	RegisterArtifact(ctx context.Context, runID, artifactPath string) error
}

// AssetCreator creates data assets over registered artifacts.
type AssetCreator interface {
	CreateAsset(ctx context.Context, runID, name, artifactPath string) (string, error)
}

// Processor finishes bulk runs.
type Processor struct {
	tracking  TrackingClient
	artifacts ArtifactRegistrar
	assets    AssetCreator
	logger    *slog.Logger
}

// New creates a processor. artifacts and assets may be nil, which
// skips registration (single-node and test runs).
func New(tracking TrackingClient, artifacts ArtifactRegistrar, assets AssetCreator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{tracking: tracking, artifacts: artifacts, assets: assets, logger: logger}
}

// Process uploads the run's summary and settles its terminal state.
// workDir is the run's working directory holding output artifacts;
// logFilters are caller-set patterns masked out of the persisted
// error.
func (p *Processor) Process(ctx context.Context, runID string, result *run.BatchResult, workDir string, logFilters []string) error {
	metrics := StatusSummary(result)
	for k, v := range result.Metrics {
		metrics[k] = v
	}
	if err := p.tracking.UploadMetrics(ctx, runID, metrics); err != nil {
		// Metric upload failure must not lose the terminal status.
		p.logger.Warn("metrics upload failed",
			log.String(log.RunIDKey, runID), log.Error(err))
	}

	if err := p.tracking.PatchRunProperties(ctx, runID, SystemMetrics(result)); err != nil {
		p.logger.Warn("system metrics patch failed",
			log.String(log.RunIDKey, runID), log.Error(err))
	}

	if p.artifacts != nil && p.assets != nil && workDir != "" {
		if err := p.registerAssets(ctx, runID, workDir); err != nil {
			p.logger.Warn("asset registration failed",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}

	status := terminalStatus(result)
	return p.tracking.EndRun(ctx, runID, status, MaskError(RootError(result), logFilters))
}

// SystemMetrics summarizes execution cost as run-history properties.
func SystemMetrics(result *run.BatchResult) map[string]string {
	var totalSeconds float64
	completed := 0
	for _, line := range result.Lines {
		if !line.StartTime.IsZero() && !line.EndTime.IsZero() {
			totalSeconds += line.EndTime.Sub(line.StartTime).Seconds()
		}
		if line.Status == run.StatusCompleted {
			completed++
		}
	}
	return map[string]string{
		"azureml.promptflow.total_lines":     fmt.Sprintf("%d", len(result.Lines)),
		"azureml.promptflow.completed_lines": fmt.Sprintf("%d", completed),
		"azureml.promptflow.duration":        fmt.Sprintf("%.3f", totalSeconds),
	}
}

// MaskError applies the caller's log-filter patterns to the error
// persisted on the run. The envelope is copied; invalid patterns are
// skipped.
func MaskError(env *errors.Envelope, filters []string) *errors.Envelope {
	if env == nil || len(filters) == 0 {
		return env
	}
	masked := *env
	for _, f := range filters {
		re, err := regexp.Compile(f)
		if err != nil {
			continue
		}
		masked.Message = re.ReplaceAllString(masked.Message, log.Replacement)
		masked.MessageFormat = re.ReplaceAllString(masked.MessageFormat, log.Replacement)
	}
	return &masked
}

// StatusSummary computes the per-line and per-node summary metrics.
func StatusSummary(result *run.BatchResult) map[string]float64 {
	metrics := map[string]float64{
		"__pf__.lines.completed": 0,
		"__pf__.lines.failed":    0,
	}
	for _, line := range result.Lines {
		switch line.Status {
		case run.StatusCompleted:
			metrics["__pf__.lines.completed"]++
		default:
			metrics["__pf__.lines.failed"]++
		}
	}
	for _, node := range result.Nodes {
		if node.Status == run.StatusCompleted {
			metrics[fmt.Sprintf("__pf__.nodes.%s.completed", node.NodeName)]++
		}
	}
	return metrics
}

// RootError picks the error recorded on the root run: a batch-level
// error wins, then the first failed line's error, then the
// aggregation error.
func RootError(result *run.BatchResult) *errors.Envelope {
	if result.BatchError != nil {
		return result.BatchError
	}
	for _, line := range result.Lines {
		if line.Error != nil {
			return line.Error
		}
	}
	return result.AggregationError
}

func terminalStatus(result *run.BatchResult) run.Status {
	if result.Status.IsTerminal() {
		return result.Status
	}
	if RootError(result) != nil && allLinesFailed(result) {
		return run.StatusFailed
	}
	return run.StatusCompleted
}

func allLinesFailed(result *run.BatchResult) bool {
	if len(result.Lines) == 0 {
		return result.BatchError != nil
	}
	for _, line := range result.Lines {
		if line.Status == run.StatusCompleted {
			return false
		}
	}
	return true
}

// registerAssets registers the output artifacts and creates the
// flow_outputs and debug_info assets, patching their ids onto the run.
func (p *Processor) registerAssets(ctx context.Context, runID, workDir string) error {
	properties := make(map[string]string)
	for name, patterns := range artifactPatterns {
		files, err := matchFiles(workDir, patterns)
		if err != nil {
			return err
		}
		for _, relPath := range files {
			if err := p.artifacts.RegisterArtifact(ctx, runID, relPath); err != nil {
				return err
			}
		}
		if len(files) == 0 {
			continue
		}
		assetID, err := p.assets.CreateAsset(ctx, runID, name, name)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("azureml.promptflow.%s_asset_id", name)
		properties[key] = azure.ShortAssetID(assetID)
	}
	if len(properties) == 0 {
		return nil
	}
	return p.tracking.PatchRunProperties(ctx, runID, properties)
}

// matchFiles lists files under dir matching any of the doublestar
// patterns, as slash-separated relative paths.
func matchFiles(dir string, patterns []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return err
			}
			if ok {
				files = append(files, rel)
				break
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}
