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

// Package runtime orchestrates flow execution: it prepares working
// directories, resolves snapshots, data, and connections, spawns
// isolated workers, supervises cancellation, and finishes runs
// through the storage and tracking layers.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/internal/connections"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/internal/postprocess"
	"github.com/promptflow/runtime/internal/snapshot"
	"github.com/promptflow/runtime/internal/storage"
	"github.com/promptflow/runtime/internal/worker"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// Tracking is the run-history surface the service depends on. It is
// nil when the runtime has no workspace attachment; runs then execute
// without cloud tracking.
type Tracking interface {
	CreateRun(ctx context.Context, runID string, properties map[string]string) error
	UpdateRunStatus(ctx context.Context, runID string, status run.Status) error
	UpdateRunStatusWithRetry(ctx context.Context, runID string, status run.Status, attempts int, deadline time.Duration) error
	GetRunStatus(ctx context.Context, runID string) (run.Status, error)
	EndRun(ctx context.Context, runID string, status run.Status, runError *errors.Envelope) error
}

// SnapshotRestorer restores flow snapshots into working directories.
type SnapshotRestorer interface {
	Restore(ctx context.Context, snapshotID, dir string) error
}

// DataResolver resolves registered data assets to concrete uris.
type DataResolver interface {
	ResolveDataVersion(ctx context.Context, name, version string) (string, error)
}

// FileShareDownloader mirrors a SAS-authorized file share directory
// into a local path.
type FileShareDownloader interface {
	DownloadDir(ctx context.Context, shareURL, dst string) error
}

// Service is the execution orchestrator behind the HTTP handlers.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	spawner    *worker.Spawner
	supervisor *worker.Supervisor
	storage    *storage.Factory
	tracking   Tracking
	snapshots  SnapshotRestorer
	resolver   *connections.Resolver
	post       *postprocess.Processor
	data       DataResolver
	fileshares FileShareDownloader
	workspace  opcontext.Workspace

	draining atomic.Bool

	// background tracks bulk and async runs so shutdown can wait.
	background sync.WaitGroup

	mu         sync.Mutex
	activeRuns map[string]run.Mode
}

// Options carries the optional cloud dependencies. Zero-valued fields
// disable the corresponding feature.
type Options struct {
	Tracking  Tracking
	Snapshots SnapshotRestorer
	Resolver  *connections.Resolver
	Post       *postprocess.Processor
	Data       DataResolver
	FileShares FileShareDownloader
	Workspace  opcontext.Workspace
}

// New wires a service from configuration.
func New(cfg *config.Config, store *storage.Factory, spawner *worker.Spawner, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FileShares == nil {
		// SAS-authorized shares need no workspace attachment.
		if fs, err := azure.NewFileShareClient(); err == nil {
			opts.FileShares = fs
		}
	}
	return &Service{
		cfg:        cfg,
		logger:     log.WithComponent(logger, "runtime"),
		spawner:    spawner,
		supervisor: worker.NewSupervisor(logger),
		storage:    store,
		tracking:   opts.Tracking,
		snapshots:  opts.Snapshots,
		resolver:   opts.Resolver,
		post:       opts.Post,
		data:       opts.Data,
		fileshares: opts.FileShares,
		workspace:  opts.Workspace,
	}
}

// NewFromWorkspace builds the full cloud-attached dependency set from
// configuration. Returns zero Options when no workspace is configured.
func NewFromWorkspace(cfg *config.Config, logger *slog.Logger) (Options, error) {
	if !cfg.HasWorkspace() {
		return Options{}, nil
	}
	ws := opcontext.Workspace{
		SubscriptionID: cfg.Deployment.SubscriptionID,
		ResourceGroup:  cfg.Deployment.ResourceGroup,
		Name:           cfg.Deployment.WorkspaceName,
	}
	tokens := azure.NewCachingTokenProvider(azure.NewClientCredentialsProvider(
		cfg.Identity.TokenURL, cfg.Identity.ClientID, cfg.Identity.ClientSecret, cfg.Identity.Scope))

	endpoint := cfg.Deployment.ServiceEndpoint
	history, err := azure.NewRunHistoryClient(endpoint, ws, tokens)
	if err != nil {
		return Options{}, err
	}
	artifacts, err := azure.NewArtifactClient(endpoint, ws, tokens)
	if err != nil {
		return Options{}, err
	}
	assets, err := azure.NewAssetClient(endpoint, ws, tokens)
	if err != nil {
		return Options{}, err
	}
	conns, err := azure.NewConnectionsClient(endpoint, ws, tokens)
	if err != nil {
		return Options{}, err
	}
	snaps, err := snapshot.NewClient(endpoint, ws, tokens)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Tracking:  history,
		Snapshots: snaps,
		Resolver:  connections.NewResolver(conns),
		Post:      postprocess.New(history, artifacts, assets, logger),
		Data:      assets,
		Workspace: ws,
	}, nil
}

// Draining reports whether the service has stopped accepting work.
func (s *Service) Draining() bool {
	return s.draining.Load()
}

// ActiveRuns returns the number of runs currently executing.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRuns)
}

func (s *Service) trackRun(runID string, mode run.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRuns == nil {
		s.activeRuns = make(map[string]run.Mode)
	}
	if _, exists := s.activeRuns[runID]; exists {
		return errors.InvalidRequest("run %s is already executing", runID)
	}
	if len(s.activeRuns) >= s.cfg.Execution.MaxConcurrentRuns {
		return errors.NewSystemError(
			[]string{errors.CodeUnexpected},
			"Runtime is at capacity ({count} concurrent runs).",
			map[string]string{"count": fmt.Sprintf("%d", len(s.activeRuns))})
	}
	s.activeRuns[runID] = mode
	return nil
}

func (s *Service) untrackRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeRuns, runID)
}

// Shutdown stops intake, fails the runs still executing, kills their
// workers, and waits for background goroutines up to ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) {
	s.draining.Store(true)

	s.mu.Lock()
	active := make([]string, 0, len(s.activeRuns))
	for id := range s.activeRuns {
		active = append(active, id)
	}
	s.mu.Unlock()

	for _, runID := range active {
		s.logger.Warn("marking run failed on shutdown", log.String(log.RunIDKey, runID))
		if s.tracking != nil {
			termErr := errors.TerminatedByUser(runID)
			if err := s.tracking.EndRun(ctx, runID, run.StatusFailed, errors.Envelop(termErr, "")); err != nil {
				s.logger.Error("failed to record shutdown on run",
					log.String(log.RunIDKey, runID), log.Error(err))
			}
		}
	}
	s.supervisor.TerminateAll()

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with background work pending")
	}
	if s.storage != nil {
		s.storage.Close()
	}
}
