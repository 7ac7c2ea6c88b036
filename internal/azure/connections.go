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

package azure

import (
	"context"
	"fmt"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
)

// WorkspaceConnection is a raw connection record from the workspace
// connections API, secrets included.
type WorkspaceConnection struct {
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Target   string            `json:"target"`
	AuthType string            `json:"authType"`
	// Credentials holds the secret material, keyed by field name.
	Credentials map[string]string `json:"credentials"`
	// Metadata holds non-secret fields such as ApiVersion.
	Metadata map[string]string `json:"metadata"`
}

// ConnectionsClient fetches workspace connections with their secrets.
type ConnectionsClient struct {
	*client
}

// NewConnectionsClient creates a connections client.
func NewConnectionsClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*ConnectionsClient, error) {
	c, err := newClient(endpoint, ws, tokens)
	if err != nil {
		return nil, err
	}
	return &ConnectionsClient{client: c}, nil
}

// GetWithSecrets fetches one connection including its credential
// material. Denied and missing resources keep their control-plane
// classification; any other workspace rejection means the flow named a
// connection the workspace does not have.
func (c *ConnectionsClient) GetWithSecrets(ctx context.Context, name string) (*WorkspaceConnection, error) {
	url := fmt.Sprintf("%s/connections/%s/listsecrets", c.workspacePath("rp"), name)
	var out WorkspaceConnection
	if err := c.doJSON(ctx, "POST", url, nil, &out); err != nil {
		if errors.HasCode(err, errors.CodeAccessDenied) ||
			errors.HasCode(err, errors.CodeOpenURLNotFound) {
			return nil, err
		}
		if errors.IsUserError(err) {
			return nil, errors.ConnectionNotFound(name)
		}
		return nil, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return &out, nil
}
