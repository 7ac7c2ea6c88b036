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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 330*time.Second, cfg.Execution.SyncSubmissionTimeout)
	assert.Equal(t, 10*24*time.Hour, cfg.Execution.BulkRunTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Execution.AsyncRunTimeout)
	assert.Equal(t, 20*time.Second, cfg.Execution.StatusCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Execution.AsyncStatusCheckInterval)
	assert.Equal(t, 1000, cfg.Execution.MaxRowsCount)
	assert.Equal(t, "dummy", cfg.Storage.Kind)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	content := `
app:
  name: my-runtime
  port: 9090
execution:
  max_concurrent_runs: 8
storage:
  kind: cloud
  account: mystorageacct
deployment:
  subscription_id: sub-1
  resource_group: rg-1
  workspace_name: ws-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-runtime", cfg.App.Name)
	assert.Equal(t, "127.0.0.1:9090", cfg.App.Addr())
	assert.Equal(t, 8, cfg.Execution.MaxConcurrentRuns)
	assert.Equal(t, "cloud", cfg.Storage.Kind)
	assert.True(t, cfg.HasWorkspace())
	// Unset fields keep their defaults.
	assert.Equal(t, 330*time.Second, cfg.Execution.SyncSubmissionTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PF_RUNTIME_WORKSPACE_NAME", "env-ws")
	t.Setenv("PF_RUNTIME_STORAGE_KIND", "async")
	t.Setenv("PF_RUNTIME_STORAGE_ACCOUNT", "envacct")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-ws", cfg.Deployment.WorkspaceName)
	assert.Equal(t, "async", cfg.Storage.Kind)
	assert.Equal(t, "envacct", cfg.Storage.Account)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.App.Port = 0 }},
		{"bad concurrency", func(c *Config) { c.Execution.MaxConcurrentRuns = 0 }},
		{"bad storage kind", func(c *Config) { c.Storage.Kind = "fancy" }},
		{"cloud storage without account", func(c *Config) {
			c.Storage.Kind = "cloud"
			c.Storage.Account = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogSafeMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Identity.ClientSecret = "very-secret-value"

	safe := cfg.LogSafe()
	assert.NotContains(t, safe["identity.client_secret"], "very-secret")
	assert.Equal(t, "...alue", safe["identity.client_secret"])
}
