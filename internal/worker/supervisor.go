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

package worker

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
)

// AsyncInterruptWait is how long an async worker gets to wind down
// after SIGINT before it is killed.
const AsyncInterruptWait = 40 * time.Second

// Supervisor tracks live workers by run id and owns the cancel paths.
// At most one worker exists per run id.
type Supervisor struct {
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Handle
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, workers: make(map[string]*Handle)}
}

// Track registers a worker under its run id. A second worker for the
// same run id is a user error: the run is already in progress.
func (s *Supervisor) Track(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[h.RunID]; exists {
		return errors.InvalidRequest("run %s is already executing", h.RunID)
	}
	s.workers[h.RunID] = h
	return nil
}

// Release forgets a finished worker.
func (s *Supervisor) Release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, runID)
}

// Get returns the live worker for a run id, if any.
func (s *Supervisor) Get(runID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[runID]
	return h, ok
}

// ActiveRunIDs lists the run ids with live workers.
func (s *Supervisor) ActiveRunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// CancelBulk hard-cancels a bulk run: the worker's subprocess tree
// dies first, then the worker. Returns false when no worker exists,
// which callers treat as already finished.
func (s *Supervisor) CancelBulk(runID string) bool {
	h, ok := s.Get(runID)
	if !ok {
		return false
	}
	s.logger.Info("terminating bulk run worker",
		log.String(log.RunIDKey, runID), log.Int(log.WorkerPIDKey, h.PID))
	h.TerminateTree()
	s.Release(runID)
	return true
}

// CancelAsync soft-cancels an async run: SIGINT lets the worker flush
// results and mark node statuses, then SIGKILL after the grace period.
// Blocks until the worker is gone.
func (s *Supervisor) CancelAsync(ctx context.Context, runID string) bool {
	h, ok := s.Get(runID)
	if !ok {
		return false
	}
	s.logger.Info("interrupting async run worker",
		log.String(log.RunIDKey, runID), log.Int(log.WorkerPIDKey, h.PID))
	if err := h.Signal(syscall.SIGINT); err != nil {
		s.logger.Warn("interrupt failed, killing",
			log.String(log.RunIDKey, runID), log.Error(err))
		h.TerminateTree()
		s.Release(runID)
		return true
	}

	deadline := time.NewTimer(AsyncInterruptWait)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.Exited() {
				s.Release(runID)
				return true
			}
		case <-deadline.C:
			s.logger.Warn("async worker ignored interrupt, killing",
				log.String(log.RunIDKey, runID), log.Int(log.WorkerPIDKey, h.PID))
			h.TerminateTree()
			s.Release(runID)
			return true
		case <-ctx.Done():
			h.TerminateTree()
			s.Release(runID)
			return true
		}
	}
}

// TerminateAll kills every live worker. Used on shutdown after the
// runs have been marked failed.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		s.logger.Info("terminating worker on shutdown",
			log.String(log.RunIDKey, h.RunID), log.Int(log.WorkerPIDKey, h.PID))
		h.TerminateTree()
	}
}
