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
	"time"

	"github.com/google/uuid"

	"github.com/promptflow/runtime/internal/connections"
	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/internal/worker"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/flow"
	"github.com/promptflow/runtime/pkg/run"
)

// ExecuteFlow runs a flow synchronously over one set of inputs. The
// caller blocks until the worker reports, bounded by the sync
// submission deadline.
func (s *Service) ExecuteFlow(ctx context.Context, sub *FlowSubmission) (*run.LineResult, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.trackRun(sub.RunID, run.ModeFlow); err != nil {
		return nil, err
	}
	defer s.untrackRun(sub.RunID)

	timeout := s.cfg.Execution.SyncSubmissionTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := s.prepareWorkDir(ctx, sub)
	if err != nil {
		return nil, err
	}
	if err := s.resolveDataInputs(ctx, sub, dir); err != nil {
		return nil, err
	}
	if err := s.stageMultimedia(ctx, sub.Inputs, dir); err != nil {
		return nil, err
	}
	conns, secrets, env, err := s.resolveConnections(ctx, dir, sub.EnvVars)
	if err != nil {
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
	result, err := s.spawnAndWait(ctx, packet, dir, timeout)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return result.Line, errors.FromEnvelope(result.Error)
	}
	if result.Line == nil {
		return nil, errors.WorkerCrashed(sub.RunID, 0)
	}
	if result.Line.Error != nil {
		return result.Line, errors.FromEnvelope(result.Line.Error)
	}
	if sub.OutputSubDir != "" {
		if err := writeRunOutput(dir, sub.OutputSubDir, result.Line); err != nil {
			return result.Line, err
		}
	}
	return result.Line, nil
}

// ExecuteNode runs one node synchronously.
func (s *Service) ExecuteNode(ctx context.Context, sub *NodeSubmission) (*run.NodeResult, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.trackRun(sub.RunID, run.ModeSingleNode); err != nil {
		return nil, err
	}
	defer s.untrackRun(sub.RunID)

	timeout := s.cfg.Execution.SyncSubmissionTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := s.prepareWorkDir(ctx, &sub.FlowSubmission)
	if err != nil {
		return nil, err
	}
	packet, err := s.buildNodePacket(ctx, sub, dir)
	if err != nil {
		return nil, err
	}
	result, err := s.spawnAndWait(ctx, packet, dir, timeout)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return result.Node, errors.FromEnvelope(result.Error)
	}
	if result.Node == nil {
		return nil, errors.WorkerCrashed(sub.RunID, 0)
	}
	if result.Node.Error != nil {
		return result.Node, errors.FromEnvelope(result.Node.Error)
	}
	if sub.OutputSubDir != "" {
		if err := writeRunOutput(dir, sub.OutputSubDir, result.Node); err != nil {
			return result.Node, err
		}
	}
	return result.Node, nil
}

// buildNodePacket shapes a single-node submission into its work
// packet: the mixed inputs map is split into flow inputs and upstream
// node outputs, persisted dependency outputs are downloaded, and
// environment placeholders are injected.
func (s *Service) buildNodePacket(ctx context.Context, sub *NodeSubmission, dir string) (*worker.WorkPacket, error) {
	conns, secrets, env, err := s.resolveConnections(ctx, dir, sub.EnvVars)
	if err != nil {
		return nil, err
	}
	flowInputs, nodeOutputs := sub.splitInputs()
	deps, err := s.downloadDependencyOutputs(ctx, sub.NodeOutputPaths, dir)
	if err != nil {
		return nil, err
	}
	for node, value := range deps {
		// Outputs given in the request win over downloaded ones.
		if _, ok := nodeOutputs[node]; !ok {
			nodeOutputs[node] = value
		}
	}
	return &worker.WorkPacket{
		Kind:      worker.KindNode,
		RunID:     sub.RunID,
		Engine:    sub.Engine,
		OpContext: s.opContext(ctx),
		Secrets:   secrets,
		Node: &executor.NodeRequest{
			RunID:       sub.RunID,
			FlowDir:     dir,
			NodeName:    sub.NodeName,
			Variant:     sub.VariantID,
			FlowInputs:  flowInputs,
			NodeOutputs: nodeOutputs,
			Connections: conns,
			EnvVars:     env,
		},
	}, nil
}

// GenerateMeta produces flow metadata without executing the flow. It
// still runs in a worker: meta generation loads user flow content.
func (s *Service) GenerateMeta(ctx context.Context, sub *FlowSubmission) (*executor.FlowMeta, error) {
	if sub.FlowDefinition == "" && sub.SnapshotID == "" {
		return nil, errors.InvalidRequest("either flow_definition or snapshot_id is required")
	}
	if sub.RunID == "" {
		sub.RunID = "meta-" + uuid.NewString()
	}
	dir, err := s.prepareWorkDir(ctx, sub)
	if err != nil {
		return nil, err
	}
	defer s.removeWorkDir(sub.RunID)

	packet := &worker.WorkPacket{
		Kind:      worker.KindMeta,
		RunID:     sub.RunID,
		Engine:    sub.Engine,
		OpContext: s.opContext(ctx),
		Meta:      &executor.MetaRequest{FlowDir: dir},
	}
	result, err := s.spawnAndWait(ctx, packet, dir, s.cfg.Execution.SyncSubmissionTimeout)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.FromEnvelope(result.Error)
	}
	return result.Meta, nil
}

// spawnAndWait launches one worker, registers it with the supervisor,
// and waits for its result.
func (s *Service) spawnAndWait(ctx context.Context, packet *worker.WorkPacket, dir string, timeout time.Duration) (*worker.WorkResult, error) {
	h, err := s.spawner.Spawn(ctx, packet, dir)
	if err != nil {
		return nil, err
	}
	if err := s.supervisor.Track(h); err != nil {
		h.TerminateTree()
		return nil, err
	}
	defer s.supervisor.Release(packet.RunID)

	result, err := h.Wait(ctx, timeout)
	if err != nil {
		// The worker may still be running past its deadline.
		h.TerminateTree()
		return nil, err
	}
	return result, nil
}

// resolveConnections loads the flow from dir and resolves every
// connection it references, plus any named by environment-variable
// placeholders. Returns the typed connections, the secret values for
// the worker's scrub list, and the environment with placeholders
// replaced by concrete connection fields.
func (s *Service) resolveConnections(ctx context.Context, dir string, envVars map[string]string) (map[string]connections.Connection, []string, map[string]string, error) {
	f, err := flow.Load(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	names := append(f.ConnectionNames(), connections.EnvPlaceholders(envVars)...)
	if len(names) == 0 {
		return nil, nil, envVars, nil
	}
	if s.resolver == nil {
		return nil, nil, nil, errors.InvalidRequest(
			"flow references connections %v but the runtime has no workspace attachment", names)
	}
	conns, err := s.resolver.Resolve(ctx, names)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := connections.InjectEnv(envVars, conns)
	if err != nil {
		return nil, nil, nil, err
	}
	var secrets []string
	for _, conn := range conns {
		for _, v := range conn.Secrets {
			if v != "" {
				secrets = append(secrets, v)
			}
		}
	}
	return conns, secrets, env, nil
}

// opContext snapshots the operation context for the worker packet.
func (s *Service) opContext(ctx context.Context) opcontext.Context {
	oc, ok := opcontext.From(ctx)
	if !ok {
		oc = opcontext.New()
	}
	if oc.Workspace.IsZero() {
		oc.Workspace = s.workspace
	}
	return *oc
}
