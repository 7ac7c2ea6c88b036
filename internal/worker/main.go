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
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/promptflow/runtime/internal/executor"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
)

// resultFD is the file descriptor the parent attaches the result pipe
// to: the first ExtraFiles entry after stdin/stdout/stderr.
const resultFD = 3

// Main is the entry point of the worker subcommand. It reads one
// packet from in, executes it, and writes one result to out. The
// returned error only reports transport problems; execution failures
// travel inside the result.
func Main(ctx context.Context, in io.Reader, out io.Writer) error {
	// SIGINT is the soft-cancel signal from the supervisor.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()

	var packet WorkPacket
	if err := json.NewDecoder(in).Decode(&packet); err != nil {
		return err
	}
	if err := packet.Validate(); err != nil {
		return writeResult(out, &WorkResult{Error: errors.Envelop(errors.InvalidRequest("%v", err), "")})
	}

	// Secrets arrive before anything can log them.
	log.RegisterSecrets(packet.Secrets...)
	ctx = opcontext.Into(ctx, &packet.OpContext)

	result := execute(ctx, &packet)
	return writeResult(out, result)
}

// ResultPipe opens the inherited result pipe in a spawned worker
// process.
func ResultPipe() *os.File {
	return os.NewFile(uintptr(resultFD), "result-pipe")
}

func execute(ctx context.Context, packet *WorkPacket) *WorkResult {
	engineName := packet.Engine
	if engineName == "" {
		engineName = executor.LocalEngineName
	}
	engine, err := executor.New(engineName)
	if err != nil {
		return &WorkResult{Kind: packet.Kind, Error: errors.Envelop(errors.Unexpected(err), packet.OpContext.RequestID)}
	}

	result := &WorkResult{Kind: packet.Kind}
	switch packet.Kind {
	case KindLine:
		line, err := engine.ExecLine(ctx, packet.Line)
		result.Line = line
		if err != nil && line == nil {
			result.Error = errors.Envelop(err, packet.OpContext.RequestID)
		}
	case KindNode:
		node, err := engine.ExecNode(ctx, packet.Node)
		result.Node = node
		if err != nil && node == nil {
			result.Error = errors.Envelop(err, packet.OpContext.RequestID)
		}
	case KindBatch:
		batch, err := engine.RunBatch(ctx, packet.Batch)
		result.Batch = batch
		if err != nil && batch == nil {
			result.Error = errors.Envelop(err, packet.OpContext.RequestID)
		}
	case KindMeta:
		meta, err := engine.GenerateMeta(ctx, packet.Meta)
		result.Meta = meta
		if err != nil {
			result.Error = errors.Envelop(err, packet.OpContext.RequestID)
		}
	}
	return result
}

func writeResult(out io.Writer, result *WorkResult) error {
	return json.NewEncoder(out).Encode(result)
}
