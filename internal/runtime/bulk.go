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
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/postprocess"
	"github.com/promptflow/runtime/internal/storage"
	"github.com/promptflow/runtime/internal/worker"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// Canceling a bulk run must land the Canceled status in run history
// even when the service is flaky: retried up to 10 times inside a 10
// second deadline.
const (
	cancelStatusAttempts = 10
	cancelStatusDeadline = 10 * time.Second
)

// workerReapGrace is how long an async worker gets to exit after the
// SIGTERM that follows its deadline, before the tree is killed.
const workerReapGrace = 5 * time.Second

// batchLaunch is the prepared state a background batch run starts
// from. Preparation happens on the request path so submission errors
// reach the caller; execution happens in the background.
type batchLaunch struct {
	sub    *BulkSubmission
	mode   run.Mode
	dir    string
	packet *worker.WorkPacket
	// resumed holds completed line results reused from the resumed
	// run, keyed by original line number.
	resumed map[int]run.LineResult
}

// SubmitBulkRun starts a bulk run over batch input data. The run is
// acknowledged once its inputs are acquired and the root run is marked
// Preparing; execution continues in the background for up to the bulk
// run timeout.
func (s *Service) SubmitBulkRun(ctx context.Context, sub *BulkSubmission) (*SubmitAck, error) {
	return s.submitBatch(ctx, sub, run.ModeBulk)
}

// StartAsyncRun starts a batch run whose status is tracked through the
// overview blob instead of run history polling.
func (s *Service) StartAsyncRun(ctx context.Context, sub *BulkSubmission) (*SubmitAck, error) {
	return s.submitBatch(ctx, sub, run.ModeAsync)
}

func (s *Service) submitBatch(ctx context.Context, sub *BulkSubmission, mode run.Mode) (*SubmitAck, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.trackRun(sub.RunID, mode); err != nil {
		return nil, err
	}
	launch, err := s.prepareBatch(ctx, sub, mode)
	if err != nil {
		// The caller sees the submission error, but the run already
		// exists in run history and must not stay NotStarted forever.
		store := s.storage.ForMode(mode)
		s.finishFailed(ctx, store, sub.RunID, mode, err)
		store.Close()
		s.untrackRun(sub.RunID)
		return nil, err
	}

	if mode == run.ModeBulk && s.tracking != nil {
		if err := s.tracking.UpdateRunStatus(ctx, sub.RunID, run.StatusPreparing); err != nil {
			s.untrackRun(sub.RunID)
			return nil, err
		}
	}
	if async := s.storage.Async(); async != nil && mode != run.ModeBulk {
		if err := async.UpdateFlowStatus(ctx, sub.RunID, run.StatusPreparing); err != nil {
			s.untrackRun(sub.RunID)
			return nil, err
		}
	}

	s.launchBatch(launch)
	return &SubmitAck{RunID: sub.RunID, Status: string(run.StatusPreparing)}, nil
}

// prepareBatch materializes the flow, acquires and maps the input
// rows, and builds the worker packet.
func (s *Service) prepareBatch(ctx context.Context, sub *BulkSubmission, mode run.Mode) (*batchLaunch, error) {
	dir, err := s.prepareWorkDir(ctx, &sub.FlowSubmission)
	if err != nil {
		return nil, err
	}
	conns, secrets, env, err := s.resolveConnections(ctx, dir, sub.EnvVars)
	if err != nil {
		return nil, err
	}

	rows, err := s.acquireRows(ctx, sub, dir)
	if err != nil {
		return nil, err
	}
	if len(sub.InputMapping) > 0 {
		var prev []map[string]any
		if sub.PreviousRunID != "" {
			prev, err = s.previousRunOutputs(ctx, sub.PreviousRunID)
			if err != nil {
				return nil, err
			}
		}
		rows, err = applyMapping(ctx, sub.InputMapping, rows, prev)
		if err != nil {
			return nil, err
		}
	}

	launch := &batchLaunch{sub: sub, mode: mode, dir: dir}
	lineNumbers := []int(nil)
	if sub.ResumeFromRunID != "" {
		launch.resumed, err = s.resumeState(ctx, sub.ResumeFromRunID, sub.RunID, dir)
		if err != nil {
			return nil, err
		}
		rows, lineNumbers = dropResumedRows(rows, launch.resumed)
	}
	if err := s.stageRows(ctx, rows, dir); err != nil {
		return nil, err
	}

	launch.packet = &worker.WorkPacket{
		Kind:      worker.KindBatch,
		RunID:     sub.RunID,
		Engine:    sub.Engine,
		OpContext: s.opContext(ctx),
		Secrets:   secrets,
		Batch: &executor.BatchRequest{
			RunID:       sub.RunID,
			FlowDir:     dir,
			Rows:        rows,
			LineNumbers: lineNumbers,
			Connections: conns,
			EnvVars:     env,
		},
	}
	return launch, nil
}

// launchBatch hands a prepared run to a background goroutine tracked
// by the shutdown waitgroup.
func (s *Service) launchBatch(launch *batchLaunch) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.untrackRun(launch.sub.RunID)

		timeout := s.cfg.Execution.BulkRunTimeout
		if launch.mode != run.ModeBulk {
			timeout = s.cfg.Execution.AsyncRunTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.runBatch(ctx, launch, timeout)
	}()
}

func (s *Service) runBatch(ctx context.Context, launch *batchLaunch, timeout time.Duration) {
	runID := launch.sub.RunID
	store := s.storage.ForMode(launch.mode)
	defer store.Close()

	if launch.mode == run.ModeBulk && s.tracking != nil {
		if err := s.tracking.UpdateRunStatus(ctx, runID, run.StatusRunning); err != nil {
			s.logger.Warn("failed to mark run running",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}
	if async := s.storage.Async(); async != nil && launch.mode != run.ModeBulk {
		if err := async.UpdateFlowStatus(ctx, runID, run.StatusRunning); err != nil {
			s.logger.Warn("failed to mark overview running",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}

	h, err := s.spawner.Spawn(ctx, launch.packet, launch.dir)
	if err != nil {
		s.finishFailed(ctx, store, runID, launch.mode, err)
		return
	}
	if err := s.supervisor.Track(h); err != nil {
		h.TerminateTree()
		s.finishFailed(ctx, store, runID, launch.mode, err)
		return
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	var canceled atomic.Bool
	go s.pollCancel(pollCtx, runID, launch.mode, &canceled)

	result, err := h.Wait(ctx, timeout)
	stopPoll()
	if err != nil && !canceled.Load() {
		// The worker may still be running past its deadline; it must
		// not outlive the run it belongs to.
		s.reapWorker(h, launch.mode)
	}
	s.supervisor.Release(runID)

	if canceled.Load() {
		s.logger.Info("run canceled", log.String(log.RunIDKey, runID))
		return
	}
	if err != nil {
		s.finishFailed(ctx, store, runID, launch.mode, err)
		return
	}
	if result.Error != nil && result.Batch == nil {
		s.finishFailed(ctx, store, runID, launch.mode, errors.FromEnvelope(result.Error))
		return
	}
	batch := result.Batch
	if batch == nil {
		s.finishFailed(ctx, store, runID, launch.mode, errors.WorkerCrashed(runID, 0))
		return
	}

	mergeResumed(batch, launch.resumed)
	s.persistBatch(ctx, store, runID, batch)
	if err := writeLocalOutputs(launch.dir, batch); err != nil {
		s.logger.Warn("failed to write local outputs",
			log.String(log.RunIDKey, runID), log.Error(err))
	}

	if launch.mode == run.ModeBulk {
		var filters []string
		if launch.sub.Policies != nil {
			filters = launch.sub.Policies.LogFilters
		}
		switch {
		case s.post != nil:
			if err := s.post.Process(ctx, runID, batch, launch.dir, filters); err != nil {
				s.logger.Error("post-processing failed",
					log.String(log.RunIDKey, runID), log.Error(err))
			}
		case s.tracking != nil:
			if err := s.tracking.EndRun(ctx, runID, batch.Status, postprocess.RootError(batch)); err != nil {
				s.logger.Error("failed to end run",
					log.String(log.RunIDKey, runID), log.Error(err))
			}
		}
	}
	s.logger.Info("batch run finished",
		log.String(log.RunIDKey, runID), log.String("status", string(batch.Status)))
}

// reapWorker ends a worker that outlived its run. Async workers get a
// SIGTERM and a short grace period to flush partial results; the
// process tree is removed either way so no orphan survives.
func (s *Service) reapWorker(h *worker.Handle, mode run.Mode) {
	if h.Exited() {
		return
	}
	s.logger.Warn("terminating expired worker",
		log.String(log.RunIDKey, h.RunID), log.Int(log.WorkerPIDKey, h.PID))
	if mode != run.ModeBulk {
		if err := h.Signal(syscall.SIGTERM); err == nil {
			deadline := time.Now().Add(workerReapGrace)
			for time.Now().Before(deadline) && !h.Exited() {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	h.TerminateTree()
}

// finishFailed records a run that died before producing a batch
// result. A run already canceled through run history keeps its
// terminal status.
func (s *Service) finishFailed(ctx context.Context, store storage.RunStorage, runID string, mode run.Mode, cause error) {
	s.logger.Error("batch run failed",
		log.String(log.RunIDKey, runID), log.Error(cause))

	if mode == run.ModeBulk && s.tracking != nil {
		if status, err := s.tracking.GetRunStatus(ctx, runID); err == nil && status.IsTerminal() {
			return
		}
	}

	env := errors.Envelop(cause, "")
	result := &run.BatchResult{RootRunID: runID, Status: run.StatusFailed, BatchError: env}
	if err := store.PersistResult(ctx, runID, result); err != nil {
		s.logger.Error("failed to persist failure",
			log.String(log.RunIDKey, runID), log.Error(err))
	}
	if mode == run.ModeBulk && s.tracking != nil {
		if err := s.tracking.EndRun(ctx, runID, run.StatusFailed, env); err != nil {
			s.logger.Error("failed to end run",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}
}

// persistBatch writes every line, node, and the aggregate result to
// the run's storage backend.
func (s *Service) persistBatch(ctx context.Context, store storage.RunStorage, runID string, batch *run.BatchResult) {
	for i := range batch.Lines {
		if err := store.PersistLineRun(ctx, runID, &batch.Lines[i]); err != nil {
			s.logger.Error("failed to persist line run",
				log.String(log.RunIDKey, runID),
				log.Int(log.LineKey, batch.Lines[i].LineNumber), log.Error(err))
		}
	}
	for i := range batch.Nodes {
		if err := store.PersistNodeRun(ctx, runID, &batch.Nodes[i]); err != nil {
			s.logger.Error("failed to persist node run",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
	}
	if err := store.PersistResult(ctx, runID, batch); err != nil {
		s.logger.Error("failed to persist batch result",
			log.String(log.RunIDKey, runID), log.Error(err))
	}
}

// pollCancel watches for a cancel request while the worker runs: run
// history status for bulk runs, the overview blob for async runs.
func (s *Service) pollCancel(ctx context.Context, runID string, mode run.Mode, canceled *atomic.Bool) {
	interval := s.cfg.Execution.StatusCheckInterval
	if mode != run.ModeBulk {
		interval = s.cfg.Execution.AsyncStatusCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if mode == run.ModeBulk {
			if s.tracking == nil {
				continue
			}
			status, err := s.tracking.GetRunStatus(ctx, runID)
			if err != nil {
				s.logger.Debug("cancel poll failed",
					log.String(log.RunIDKey, runID), log.Error(err))
				continue
			}
			if status != run.StatusCancelRequested {
				continue
			}
			canceled.Store(true)
			s.supervisor.CancelBulk(runID)
			if err := s.tracking.UpdateRunStatusWithRetry(ctx, runID,
				run.StatusCanceled, cancelStatusAttempts, cancelStatusDeadline); err != nil {
				s.logger.Error("failed to mark run canceled",
					log.String(log.RunIDKey, runID), log.Error(err))
			}
			return
		}

		async := s.storage.Async()
		if async == nil {
			continue
		}
		requested, err := async.CancelRequested(ctx, runID)
		if err != nil {
			s.logger.Debug("cancel poll failed",
				log.String(log.RunIDKey, runID), log.Error(err))
			continue
		}
		if !requested {
			continue
		}
		canceled.Store(true)
		s.supervisor.CancelAsync(ctx, runID)
		if err := async.UpdateFlowStatus(ctx, runID, run.StatusCanceled); err != nil {
			s.logger.Error("failed to mark overview canceled",
				log.String(log.RunIDKey, runID), log.Error(err))
		}
		if s.tracking != nil {
			if err := s.tracking.UpdateRunStatusWithRetry(ctx, runID,
				run.StatusCanceled, cancelStatusAttempts, cancelStatusDeadline); err != nil {
				s.logger.Error("failed to mark run canceled",
					log.String(log.RunIDKey, runID), log.Error(err))
			}
		}
		return
	}
}

// CancelRun requests cancellation of a running submission. Returns
// false when no such run is executing here, which callers report as
// possibly already completed.
func (s *Service) CancelRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	mode, ok := s.activeRuns[runID]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	switch mode {
	case run.ModeBulk:
		if !s.supervisor.CancelBulk(runID) {
			return false, nil
		}
		if s.tracking != nil {
			if err := s.tracking.UpdateRunStatusWithRetry(ctx, runID,
				run.StatusCanceled, cancelStatusAttempts, cancelStatusDeadline); err != nil {
				return true, err
			}
		}
		return true, nil
	case run.ModeAsync, run.ModeFlowAsync, run.ModeSingleNodeAsync:
		async := s.storage.Async()
		if async == nil {
			// No overview blob to flag; interrupt the worker directly.
			go s.supervisor.CancelAsync(context.Background(), runID)
			return true, nil
		}
		return async.RequestCancel(ctx, runID)
	default:
		return false, errors.InvalidRequest(
			"run %s is a synchronous submission and cannot be canceled", runID)
	}
}

// dropResumedRows removes rows whose lines completed in the resumed
// run, keeping the original line numbers for the rest.
func dropResumedRows(rows []map[string]any, resumed map[int]run.LineResult) ([]map[string]any, []int) {
	if len(resumed) == 0 {
		return rows, nil
	}
	kept := make([]map[string]any, 0, len(rows))
	numbers := make([]int, 0, len(rows))
	for i, row := range rows {
		if _, ok := resumed[i]; ok {
			continue
		}
		kept = append(kept, row)
		numbers = append(numbers, i)
	}
	return kept, numbers
}

// mergeResumed folds reused line results back into the batch, keeping
// lines ordered by line number.
func mergeResumed(batch *run.BatchResult, resumed map[int]run.LineResult) {
	if len(resumed) == 0 {
		return
	}
	for _, line := range resumed {
		batch.Lines = append(batch.Lines, line)
	}
	sort.Slice(batch.Lines, func(i, j int) bool {
		return batch.Lines[i].LineNumber < batch.Lines[j].LineNumber
	})
	batch.Outputs = batch.Outputs[:0]
	for _, line := range batch.Lines {
		if line.Status == run.StatusCompleted {
			batch.Outputs = append(batch.Outputs, line.Output)
		}
	}
	if batch.Status == run.StatusFailed && len(batch.Outputs) > 0 {
		// Reused completed lines mean the run is no longer a total
		// failure.
		batch.Status = run.StatusCompleted
		batch.BatchError = nil
	}
}
