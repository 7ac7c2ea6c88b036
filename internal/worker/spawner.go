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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
)

// WaitSubprocessExceptionTimeout is how long to wait for a result on
// the pipe after the child process has already exited. The child
// flushes its result just before exiting, so a short grace period
// covers the race between exit and pipe delivery.
const WaitSubprocessExceptionTimeout = 10 * time.Second

// Spawner launches worker processes by re-executing the current
// binary with the worker subcommand.
type Spawner struct {
	binary  string
	workDir string
	logger  *slog.Logger
}

// NewSpawner creates a spawner. binary defaults to the current
// executable when empty.
func NewSpawner(binary, workDir string, logger *slog.Logger) (*Spawner, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("worker: resolve executable: %w", err)
		}
		binary = self
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{binary: binary, workDir: workDir, logger: logger}, nil
}

// Handle is one live worker process.
type Handle struct {
	RunID string
	PID   int

	cmd      *exec.Cmd
	resultCh chan *WorkResult
	exitCh   chan error

	mu       sync.Mutex
	finished bool
}

// Spawn starts a worker for the packet. The packet goes to the child's
// stdin; the result comes back on an inherited pipe (fd 3).
func (s *Spawner) Spawn(ctx context.Context, packet *WorkPacket, dir string) (*Handle, error) {
	if err := packet.Validate(); err != nil {
		return nil, errors.InvalidRequest("invalid work packet: %v", err)
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, errors.Unexpected(err)
	}

	cmd := exec.Command(s.binary, "worker")
	cmd.Dir = dir
	if cmd.Dir == "" {
		cmd.Dir = s.workDir
	}
	cmd.Env = append(os.Environ(), envFor(packet)...)
	cmd.ExtraFiles = []*os.File{resultW}
	cmd.Stdout = log.NewLineWriter(s.logger, slog.LevelInfo, packet.RunID)
	cmd.Stderr = log.NewLineWriter(s.logger, slog.LevelWarn, packet.RunID)
	// Own process group, so tree termination never touches the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		resultR.Close()
		resultW.Close()
		return nil, errors.Unexpected(err)
	}
	if err := cmd.Start(); err != nil {
		resultR.Close()
		resultW.Close()
		return nil, errors.WrapSystem(err, []string{errors.CodeWorkerCrashed},
			"Failed to start execution worker for run {run_id}.",
			map[string]string{"run_id": packet.RunID})
	}
	// Parent's copy of the write end must close so the read end sees
	// EOF when the child exits.
	resultW.Close()

	h := &Handle{
		RunID:    packet.RunID,
		PID:      cmd.Process.Pid,
		cmd:      cmd,
		resultCh: make(chan *WorkResult, 1),
		exitCh:   make(chan error, 1),
	}

	go func() {
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(packet); err != nil {
			s.logger.Warn("failed to write work packet",
				log.String(log.RunIDKey, packet.RunID), log.Error(err))
		}
	}()

	go func() {
		defer resultR.Close()
		var result WorkResult
		if err := json.NewDecoder(resultR).Decode(&result); err != nil {
			if err != io.EOF {
				s.logger.Warn("failed to decode worker result",
					log.String(log.RunIDKey, packet.RunID), log.Error(err))
			}
			close(h.resultCh)
			return
		}
		h.resultCh <- &result
	}()

	go func() {
		h.exitCh <- cmd.Wait()
	}()

	s.logger.Info("worker started",
		log.String(log.RunIDKey, packet.RunID),
		log.Int(log.WorkerPIDKey, h.PID),
		log.String("kind", string(packet.Kind)))
	return h, nil
}

// envFor passes per-run environment variables to the child.
func envFor(packet *WorkPacket) []string {
	var env []string
	switch packet.Kind {
	case KindLine:
		env = flattenEnv(packet.Line.EnvVars)
	case KindNode:
		env = flattenEnv(packet.Node.EnvVars)
	case KindBatch:
		env = flattenEnv(packet.Batch.EnvVars)
	}
	return env
}

func flattenEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

// Wait blocks until the worker reports a result, the deadline passes,
// or the process dies silently. A silent death surfaces as a
// WorkerCrashed system error after the exception grace period.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (*WorkResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case result, ok := <-h.resultCh:
			if ok {
				h.markFinished()
				return result, nil
			}
			// Pipe closed without a result: give the exit status a
			// moment to arrive, then report the crash.
			return nil, h.waitCrash(ctx)
		case err := <-h.exitCh:
			h.exitCh <- err
			// Process exited; the result may still be in flight.
			select {
			case result, ok := <-h.resultCh:
				h.markFinished()
				if ok {
					return result, nil
				}
				return nil, errors.WorkerCrashed(h.RunID, exitCode(err))
			case <-time.After(WaitSubprocessExceptionTimeout):
				h.markFinished()
				return nil, errors.WorkerCrashed(h.RunID, exitCode(err))
			}
		case <-timer.C:
			return nil, errors.ExecutionTimeout(h.RunID, int(timeout.Seconds()))
		case <-ctx.Done():
			return nil, errors.TerminatedByUser(h.RunID)
		}
	}
}

func (h *Handle) waitCrash(ctx context.Context) error {
	select {
	case err := <-h.exitCh:
		h.exitCh <- err
		h.markFinished()
		return errors.WorkerCrashed(h.RunID, exitCode(err))
	case <-time.After(WaitSubprocessExceptionTimeout):
		return errors.WorkerCrashed(h.RunID, -1)
	case <-ctx.Done():
		return errors.TerminatedByUser(h.RunID)
	}
}

func (h *Handle) markFinished() {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
}

// Finished reports whether the worker has delivered its outcome.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Signal sends sig to the worker process.
func (h *Handle) Signal(sig syscall.Signal) error {
	return signalProcess(h.PID, sig)
}

// TerminateTree kills the worker's subprocesses, then the worker.
func (h *Handle) TerminateTree() {
	terminateTree(h.PID)
}

// Exited reports whether the process has exited, without blocking.
func (h *Handle) Exited() bool {
	select {
	case err := <-h.exitCh:
		h.exitCh <- err
		return true
	default:
		return false
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
