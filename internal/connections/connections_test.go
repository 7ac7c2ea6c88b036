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

package connections

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/pkg/errors"
)

type fakeSecretsClient struct {
	conns map[string]*azure.WorkspaceConnection
	calls int
}

func (f *fakeSecretsClient) GetWithSecrets(ctx context.Context, name string) (*azure.WorkspaceConnection, error) {
	f.calls++
	conn, ok := f.conns[name]
	if !ok {
		return nil, errors.ConnectionNotFound(name)
	}
	return conn, nil
}

func TestResolveAzureOpenAI(t *testing.T) {
	client := &fakeSecretsClient{conns: map[string]*azure.WorkspaceConnection{
		"aoai": {
			Name:        "aoai",
			Category:    CategoryAzureOpenAI,
			Target:      "https://example.openai.azure.com",
			Credentials: map[string]string{"key": "aoai-secret-key-1"},
			Metadata:    map[string]string{"ApiVersion": "2024-02-01"},
		},
	}}
	r := NewResolver(client)

	resolved, err := r.Resolve(context.Background(), []string{"aoai", "aoai", ""})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	// Duplicates and blanks resolve once.
	assert.Equal(t, 1, client.calls)

	conn := resolved["aoai"]
	assert.Equal(t, "AzureOpenAIConnection", conn.Type)
	assert.Equal(t, "https://example.openai.azure.com", conn.Configs["api_base"])
	assert.Equal(t, "azure", conn.Configs["api_type"])
	assert.Equal(t, "2024-02-01", conn.Configs["api_version"])
	assert.Equal(t, "aoai-secret-key-1", conn.Secrets["api_key"])
}

func TestResolveUnknownNameIsUserError(t *testing.T) {
	r := NewResolver(&fakeSecretsClient{conns: nil})
	_, err := r.Resolve(context.Background(), []string{"missing"})
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
}

func TestFromWorkspaceCustomKeys(t *testing.T) {
	conn, err := FromWorkspace(&azure.WorkspaceConnection{
		Name:        "custom",
		Category:    CategoryCustomKeys,
		Credentials: map[string]string{"token": "custom-token-value"},
		Metadata:    map[string]string{"endpoint": "https://svc.example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CustomConnection", conn.Type)
	assert.Equal(t, "custom-token-value", conn.Secrets["token"])
	assert.Equal(t, "https://svc.example.com", conn.Configs["endpoint"])
}

func TestFromWorkspaceUnknownCategory(t *testing.T) {
	_, err := FromWorkspace(&azure.WorkspaceConnection{
		Name:     "odd",
		Category: "Serverless",
	})
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))

	var userErr *errors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Codes, errors.CodeInvalidConnection)
}

func TestEnvPlaceholders(t *testing.T) {
	names := EnvPlaceholders(map[string]string{
		"AZURE_OPENAI_API_KEY": "${aoai.api_key}",
		"SEARCH_ENDPOINT":      "${search.api_base}",
		"ANOTHER_KEY":          "${aoai.api_version}",
		"PLAIN":                "value",
		"NOT_A_REF":            "${missing_brace",
	})
	assert.Equal(t, []string{"aoai", "search"}, names)
}

func TestInjectEnv(t *testing.T) {
	conns := map[string]Connection{
		"aoai": {
			Name:    "aoai",
			Secrets: map[string]string{"api_key": "injected-key"},
			Configs: map[string]string{"api_base": "https://example.openai.azure.com"},
		},
	}

	env, err := InjectEnv(map[string]string{
		"AZURE_OPENAI_API_KEY": "${aoai.api_key}",
		"AZURE_OPENAI_BASE":    "${aoai.api_base}",
		"PLAIN":                "value",
	}, conns)
	require.NoError(t, err)
	assert.Equal(t, "injected-key", env["AZURE_OPENAI_API_KEY"])
	assert.Equal(t, "https://example.openai.azure.com", env["AZURE_OPENAI_BASE"])
	assert.Equal(t, "value", env["PLAIN"])
}

func TestInjectEnvUnknownConnection(t *testing.T) {
	_, err := InjectEnv(map[string]string{"KEY": "${nope.api_key}"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
}

func TestInjectEnvUnknownField(t *testing.T) {
	conns := map[string]Connection{"aoai": {Name: "aoai"}}
	_, err := InjectEnv(map[string]string{"KEY": "${aoai.token}"}, conns)
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
}

func TestSecretsRegisteredWithScrubber(t *testing.T) {
	_, err := FromWorkspace(&azure.WorkspaceConnection{
		Name:        "search",
		Category:    CategoryCognitiveSearch,
		Target:      "https://search.example.com",
		Credentials: map[string]string{"key": "search-key-to-scrub"},
	})
	require.NoError(t, err)

	scrubbed := log.ScrubString("calling with key search-key-to-scrub now")
	assert.NotContains(t, scrubbed, "search-key-to-scrub")
	assert.Contains(t, scrubbed, log.Replacement)
}
