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

// Package connections resolves the workspace connections a flow
// references into typed connection objects for the worker. Secret
// values are registered with the log scrubber the moment they are
// fetched, before any worker sees them.
package connections

import (
	"context"
	"strings"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
)

// Workspace connection categories the runtime understands.
const (
	CategoryAzureOpenAI      = "AzureOpenAI"
	CategoryCognitiveSearch  = "CognitiveSearch"
	CategoryCognitiveService = "CognitiveService"
	CategoryCustomKeys       = "CustomKeys"
)

// Connection is a resolved connection in the shape flow tools consume:
// a type name, secret fields, and plain config fields.
type Connection struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Secrets map[string]string `json:"secrets,omitempty"`
	Configs map[string]string `json:"configs,omitempty"`
}

// SecretsClient is the slice of the workspace API the resolver needs.
type SecretsClient interface {
	GetWithSecrets(ctx context.Context, name string) (*azure.WorkspaceConnection, error)
}

// Resolver turns connection names into typed connections.
type Resolver struct {
	client SecretsClient
}

// NewResolver creates a resolver over the workspace connections API.
func NewResolver(client SecretsClient) *Resolver {
	return &Resolver{client: client}
}

// Resolve fetches every named connection. The returned map is keyed by
// connection name. All secret values are scrubber-registered before
// this returns.
func (r *Resolver) Resolve(ctx context.Context, names []string) (map[string]Connection, error) {
	resolved := make(map[string]Connection, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, done := resolved[name]; done {
			continue
		}
		raw, err := r.client.GetWithSecrets(ctx, name)
		if err != nil {
			return nil, err
		}
		conn, err := FromWorkspace(raw)
		if err != nil {
			return nil, err
		}
		resolved[name] = conn
	}
	return resolved, nil
}

// FromWorkspace converts a raw workspace connection record into a
// typed connection and registers its secrets with the scrubber.
func FromWorkspace(raw *azure.WorkspaceConnection) (Connection, error) {
	conn := Connection{
		Name:    raw.Name,
		Secrets: make(map[string]string),
		Configs: make(map[string]string),
	}
	switch raw.Category {
	case CategoryAzureOpenAI:
		conn.Type = "AzureOpenAIConnection"
		conn.Configs["api_base"] = raw.Target
		conn.Configs["api_type"] = "azure"
		if v := raw.Metadata["ApiVersion"]; v != "" {
			conn.Configs["api_version"] = v
		}
		conn.Secrets["api_key"] = raw.Credentials["key"]
	case CategoryCognitiveSearch:
		conn.Type = "CognitiveSearchConnection"
		conn.Configs["api_base"] = raw.Target
		if v := raw.Metadata["ApiVersion"]; v != "" {
			conn.Configs["api_version"] = v
		}
		conn.Secrets["api_key"] = raw.Credentials["key"]
	case CategoryCognitiveService:
		conn.Type = "CognitiveServiceConnection"
		conn.Configs["endpoint"] = raw.Target
		if v := raw.Metadata["Kind"]; v != "" {
			conn.Configs["kind"] = v
		}
		conn.Secrets["api_key"] = raw.Credentials["key"]
	case CategoryCustomKeys:
		conn.Type = "CustomConnection"
		// Custom connections carry arbitrary fields; anything the
		// service marked as a credential is a secret.
		for k, v := range raw.Credentials {
			conn.Secrets[k] = v
		}
		for k, v := range raw.Metadata {
			conn.Configs[k] = v
		}
	default:
		return Connection{}, errors.InvalidConnectionType(raw.Name, raw.Category)
	}

	registerSecrets(conn.Secrets)
	return conn, nil
}

// registerSecrets feeds secret values to the process-wide scrubber so
// they can never appear in log output.
func registerSecrets(secrets map[string]string) {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if strings.TrimSpace(v) != "" {
			values = append(values, v)
		}
	}
	log.RegisterSecrets(values...)
}
