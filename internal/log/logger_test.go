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
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run submitted", slog.String(RunIDKey, "run-1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run submitted", entry["msg"])
	assert.Equal(t, "run-1", entry[RunIDKey])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, parseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestFromEnvDebugPrecedence(t *testing.T) {
	t.Setenv("PF_RUNTIME_DEBUG", "1")
	t.Setenv("PF_RUNTIME_LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvLevelFallback(t *testing.T) {
	t.Setenv("PF_RUNTIME_DEBUG", "")
	t.Setenv("PF_RUNTIME_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "...6789", SanitizeAPIKey("sk-123456789"))
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
}

func TestLoggerScrubsRegisteredSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	RegisterSecrets("super-secret-api-key")
	defer processScrubber.Clear()

	logger.Info("resolved connection", slog.String("api_key", "super-secret-api-key"))

	out := buf.String()
	assert.NotContains(t, out, "super-secret-api-key")
	assert.Contains(t, out, Replacement)
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger = WithComponent(logger, "api")
	logger = WithRequestID(logger, "req-9")

	logger.Info("hello")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"component":"api"`), out)
	assert.True(t, strings.Contains(out, `"request_id":"req-9"`), out)
}
