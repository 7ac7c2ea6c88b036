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
	"sync/atomic"
	"time"

	"github.com/promptflow/runtime/internal/connections"
	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/worker"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// SubmitFlowAsync runs a flow over one input row in the background.
// The caller polls the run's overview for completion; the worker gets
// a SIGINT grace period on cancel so it can flush results.
func (s *Service) SubmitFlowAsync(ctx context.Context, sub *FlowSubmission) (*SubmitAck, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.trackRun(sub.RunID, run.ModeFlowAsync); err != nil {
		return nil, err
	}
	dir, conns, secrets, env, err := s.prepareSubmission(ctx, sub)
	if err != nil {
		s.untrackRun(sub.RunID)
		return nil, err
	}
	packet := &worker.WorkPacket{
		Kind:      worker.KindLine,
		RunID:     sub.RunID,
		Engine:    sub.Engine,
		OpContext: s.opContext(ctx),
		Secrets:   secrets,
		Line: &executor.LineRequest{
			RunID:       sub.RunID,
			FlowDir:     dir,
			Inputs:      sub.Inputs,
			Connections: conns,
			EnvVars:     env,
		},
	}
	return s.submitAsync(ctx, sub.RunID, run.ModeFlowAsync, dir, packet)
}

// SubmitSingleNodeAsync runs one node in the background.
func (s *Service) SubmitSingleNodeAsync(ctx context.Context, sub *NodeSubmission) (*SubmitAck, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.trackRun(sub.RunID, run.ModeSingleNodeAsync); err != nil {
		return nil, err
	}
	dir, err := s.prepareWorkDir(ctx, &sub.FlowSubmission)
	if err != nil {
		s.untrackRun(sub.RunID)
		return nil, err
	}
	packet, err := s.buildNodePacket(ctx, sub, dir)
	if err != nil {
		s.untrackRun(sub.RunID)
		return nil, err
	}
	return s.submitAsync(ctx, sub.RunID, run.ModeSingleNodeAsync, dir, packet)
}

// prepareSubmission is the shared synchronous prep: working dir, data
// input resolution, and connection resolution.
func (s *Service) prepareSubmission(ctx context.Context, sub *FlowSubmission) (string, map[string]connections.Connection, []string, map[string]string, error) {
	dir, err := s.prepareWorkDir(ctx, sub)
	if err != nil {
		return "", nil, nil, nil, err
	}
	if err := s.resolveDataInputs(ctx, sub, dir); err != nil {
		return "", nil, nil, nil, err
	}
	if err := s.stageMultimedia(ctx, sub.Inputs, dir); err != nil {
		return "", nil, nil, nil, err
	}
	conns, secrets, env, err := s.resolveConnections(ctx, dir, sub.EnvVars)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return dir, conns, secrets, env, nil
}

// submitAsync marks the run Preparing in the overview and hands it to
// the background runner.
func (s *Service) submitAsync(ctx context.Context, runID string, mode run.Mode, dir string, packet *worker.WorkPacket) (*SubmitAck, error) {
	if async := s.storage.Async(); async != nil {
		if err := async.UpdateFlowStatus(ctx, runID, run.StatusPreparing); err != nil {
			s.untrackRun(runID)
			return nil, err
		}
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.untrackRun(runID)

		timeout := s.cfg.Execution.AsyncRunTimeout
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.runAsync(ctx, runID, mode, dir, packet, timeout)
	}()
	return &SubmitAck{RunID: runID, Status: string(run.StatusPreparing)}, nil
}

func (s *Service) runAsync(ctx context.Context, runID string, mode run.Mode, dir string, packet *worker.WorkPacket, timeout time.Duration) {
	store := s.storage.ForMode(mode)
	defer store.Close()

	if async := s.storage.Async(); async != nil {
		if err := async.UpdateFlowStatus(ctx, runID, run.StatusRunning); err != nil {
			s.logger.Warn("failed to mark overview running",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}

	h, err := s.spawner.Spawn(ctx, packet, dir)
	if err != nil {
		s.finishFailed(ctx, store, runID, mode, err)
		return
	}
	if err := s.supervisor.Track(h); err != nil {
		h.TerminateTree()
		s.finishFailed(ctx, store, runID, mode, err)
		return
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	var canceled atomic.Bool
	go s.pollCancel(pollCtx, runID, mode, &canceled)

	result, err := h.Wait(ctx, timeout)
	stopPoll()
	if err != nil && !canceled.Load() {
		// The worker may still be running past its deadline; it must
		// not outlive the run it belongs to.
		s.reapWorker(h, mode)
	}
	s.supervisor.Release(runID)

	if canceled.Load() {
		s.logger.Info("run canceled", log.String(log.RunIDKey, runID))
		return
	}
	if err != nil {
		s.finishFailed(ctx, store, runID, mode, err)
		return
	}

	batch, err := asyncBatchResult(runID, packet.Kind, result)
	if err != nil {
		s.finishFailed(ctx, store, runID, mode, err)
		return
	}
	s.persistBatch(ctx, store, runID, batch)
	s.logger.Info("async run finished",
		log.String(log.RunIDKey, runID), log.String("status", string(batch.Status)))
}

// asyncBatchResult shapes a single line or node outcome into the
// batch form the storage backends persist.
func asyncBatchResult(runID string, kind worker.Kind, result *worker.WorkResult) (*run.BatchResult, error) {
	if result.Error != nil && result.Line == nil && result.Node == nil {
		return nil, errors.FromEnvelope(result.Error)
	}
	batch := &run.BatchResult{RootRunID: runID}
	switch kind {
	case worker.KindLine:
		line := result.Line
		if line == nil {
			return nil, errors.WorkerCrashed(runID, 0)
		}
		batch.Lines = []run.LineResult{*line}
		batch.Status = line.Status
		if line.Status == run.StatusCompleted {
			batch.Outputs = []map[string]any{line.Output}
		} else {
			batch.BatchError = line.Error
		}
	case worker.KindNode:
		node := result.Node
		if node == nil {
			return nil, errors.WorkerCrashed(runID, 0)
		}
		batch.Nodes = []run.NodeResult{*node}
		batch.Status = node.Status
		if node.Status != run.StatusCompleted {
			batch.BatchError = node.Error
		}
	default:
		return nil, errors.InvalidRequest("kind %s is not an async submission", kind)
	}
	return batch, nil
}
