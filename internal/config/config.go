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

// Package config loads the runtime configuration from a YAML file,
// environment variables, and command-line flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promptflow/runtime/internal/log"
)

// Execution timeouts and limits. These mirror the service contract:
// a synchronous submission must answer within the gateway deadline,
// bulk runs may take days, async runs are bounded to a day.
const (
	DefaultSyncSubmissionTimeout    = 330 * time.Second
	DefaultBulkRunTimeout           = 10 * 24 * time.Hour
	DefaultAsyncRunTimeout          = 24 * time.Hour
	DefaultStatusCheckInterval      = 20 * time.Second
	DefaultAsyncStatusCheckInterval = 5 * time.Second
	DefaultWorkerWaitTimeout        = 10 * time.Second
	DefaultMaxRowsCount             = 1000
)

// Config is the full runtime configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Storage    StorageConfig    `yaml:"storage"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Identity   IdentityConfig   `yaml:"identity"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig configures the HTTP surface.
type AppConfig struct {
	// Name identifies this runtime instance in run history properties.
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Addr renders the listen address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ExecutionConfig bounds worker execution.
type ExecutionConfig struct {
	MaxConcurrentRuns        int           `yaml:"max_concurrent_runs"`
	SyncSubmissionTimeout    time.Duration `yaml:"sync_submission_timeout"`
	BulkRunTimeout           time.Duration `yaml:"bulk_run_timeout"`
	AsyncRunTimeout          time.Duration `yaml:"async_run_timeout"`
	StatusCheckInterval      time.Duration `yaml:"status_check_interval"`
	AsyncStatusCheckInterval time.Duration `yaml:"async_status_check_interval"`
	WorkerWaitTimeout        time.Duration `yaml:"worker_wait_timeout"`
	MaxRowsCount             int           `yaml:"max_rows_count"`
	// RequestsDir is the parent of per-request working directories.
	RequestsDir string `yaml:"requests_dir"`
	// RequestDirTTL is how long a finished request directory is kept
	// before the reaper removes it.
	RequestDirTTL time.Duration `yaml:"request_dir_ttl"`
}

// StorageConfig selects and configures the run storage backend.
type StorageConfig struct {
	// Kind is dummy, cloud, or async.
	Kind string `yaml:"kind"`
	// LocalIndexPath is the sqlite file backing the local run index
	// used by the dummy backend and the diagnostics endpoints.
	LocalIndexPath string `yaml:"local_index_path"`
	// Account is the storage account name for blob persistence.
	Account string `yaml:"account"`
	// BlobEndpoint overrides the default https://{account}.blob...
	// endpoint, used for emulators in tests.
	BlobEndpoint string `yaml:"blob_endpoint"`
	// Container is the blob container for run artifacts.
	Container string `yaml:"container"`
}

// DeploymentConfig identifies the workspace this runtime serves.
type DeploymentConfig struct {
	SubscriptionID    string `yaml:"subscription_id"`
	ResourceGroup     string `yaml:"resource_group"`
	WorkspaceName     string `yaml:"workspace_name"`
	WorkspaceID       string `yaml:"workspace_id"`
	Region            string `yaml:"region"`
	ComputeName       string `yaml:"compute_name"`
	// ServiceEndpoint is the regional control-plane endpoint that
	// fronts run history, artifacts, assets, and connections.
	ServiceEndpoint string `yaml:"service_endpoint"`
}

// IdentityConfig configures the client-credential token source used
// for control-plane and storage calls.
type IdentityConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// RateLimitConfig bounds submission rates per route class.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// SubmitPerSecond applies to execution submissions.
	SubmitPerSecond float64 `yaml:"submit_per_second"`
	SubmitBurst     int     `yaml:"submit_burst"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	// Protocol is grpc, http, or stdout.
	Protocol   string  `yaml:"protocol"`
	SampleRate float64 `yaml:"sample_rate"`
}

// LoggingConfig mirrors internal/log.Config for file-based setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:         "promptflow-runtime",
			Host:         "127.0.0.1",
			Port:         8080,
			DrainTimeout: 30 * time.Second,
		},
		Execution: ExecutionConfig{
			MaxConcurrentRuns:        4,
			SyncSubmissionTimeout:    DefaultSyncSubmissionTimeout,
			BulkRunTimeout:           DefaultBulkRunTimeout,
			AsyncRunTimeout:          DefaultAsyncRunTimeout,
			StatusCheckInterval:      DefaultStatusCheckInterval,
			AsyncStatusCheckInterval: DefaultAsyncStatusCheckInterval,
			WorkerWaitTimeout:        DefaultWorkerWaitTimeout,
			MaxRowsCount:             DefaultMaxRowsCount,
			RequestsDir:              "requests",
			RequestDirTTL:            24 * time.Hour,
		},
		Storage: StorageConfig{
			Kind:           "dummy",
			LocalIndexPath: "runtime-runs.db",
			Container:      "azureml",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			SubmitPerSecond: 10,
			SubmitBurst:     20,
		},
		Tracing: TracingConfig{
			Protocol:   "http",
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file (if path is non-empty), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PF_RUNTIME_* environment variables. Only the
// settings that differ per deployment are exposed this way.
func (c *Config) applyEnv() {
	setString(&c.App.Name, "PF_RUNTIME_NAME")
	setString(&c.Deployment.SubscriptionID, "PF_RUNTIME_SUBSCRIPTION_ID")
	setString(&c.Deployment.ResourceGroup, "PF_RUNTIME_RESOURCE_GROUP")
	setString(&c.Deployment.WorkspaceName, "PF_RUNTIME_WORKSPACE_NAME")
	setString(&c.Deployment.Region, "PF_RUNTIME_REGION")
	setString(&c.Deployment.ServiceEndpoint, "PF_RUNTIME_SERVICE_ENDPOINT")
	setString(&c.Identity.TokenURL, "PF_RUNTIME_TOKEN_URL")
	setString(&c.Identity.ClientID, "PF_RUNTIME_CLIENT_ID")
	setString(&c.Identity.ClientSecret, "PF_RUNTIME_CLIENT_SECRET")
	setString(&c.Storage.Account, "PF_RUNTIME_STORAGE_ACCOUNT")
	setString(&c.Storage.Kind, "PF_RUNTIME_STORAGE_KIND")
	setString(&c.Logging.Level, "PF_RUNTIME_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks invariants that would otherwise surface as obscure
// runtime failures.
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port out of range: %d", c.App.Port)
	}
	if c.Execution.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("execution.max_concurrent_runs must be positive")
	}
	if c.Execution.MaxRowsCount <= 0 {
		return fmt.Errorf("execution.max_rows_count must be positive")
	}
	switch c.Storage.Kind {
	case "dummy", "cloud", "async":
	default:
		return fmt.Errorf("storage.kind must be dummy, cloud, or async, got %q", c.Storage.Kind)
	}
	if c.Storage.Kind != "dummy" && c.Storage.Account == "" && c.Storage.BlobEndpoint == "" {
		return fmt.Errorf("storage.account is required for %s storage", c.Storage.Kind)
	}
	return nil
}

// Workspace reports whether workspace deployment info is configured.
func (c *Config) HasWorkspace() bool {
	d := c.Deployment
	return d.SubscriptionID != "" && d.ResourceGroup != "" && d.WorkspaceName != ""
}

// LogSafe returns a flattened view of the config suitable for startup
// logging. Credentials are masked, never omitted, so their presence
// can still be verified from logs.
func (c *Config) LogSafe() map[string]string {
	return map[string]string{
		"app.name":                     c.App.Name,
		"app.addr":                     c.App.Addr(),
		"execution.max_concurrent":     fmt.Sprintf("%d", c.Execution.MaxConcurrentRuns),
		"execution.max_rows":           fmt.Sprintf("%d", c.Execution.MaxRowsCount),
		"storage.kind":                 c.Storage.Kind,
		"storage.account":              c.Storage.Account,
		"deployment.subscription_id":   c.Deployment.SubscriptionID,
		"deployment.resource_group":    c.Deployment.ResourceGroup,
		"deployment.workspace_name":    c.Deployment.WorkspaceName,
		"deployment.region":            c.Deployment.Region,
		"deployment.service_endpoint":  c.Deployment.ServiceEndpoint,
		"identity.client_id":           c.Identity.ClientID,
		"identity.client_secret":       log.SanitizeAPIKey(c.Identity.ClientSecret),
	}
}
