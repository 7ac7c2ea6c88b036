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

package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineWriter adapts an io.Writer consumer (child process stdout or
// stderr) to structured log records, one per line. Partial lines are
// buffered until their newline arrives.
type LineWriter struct {
	logger *slog.Logger
	level  slog.Level
	runID  string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter creates a writer that logs each line at level, tagged
// with the run id.
func NewLineWriter(logger *slog.Logger, level slog.Level, runID string) *LineWriter {
	return &LineWriter{logger: logger, level: level, runID: runID}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	if line == "" {
		return
	}
	w.logger.Log(context.Background(), w.level, line, String(RunIDKey, w.runID))
}
