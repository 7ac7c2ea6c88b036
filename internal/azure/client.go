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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/httpclient"
)

// client is the shared REST plumbing for the control-plane clients.
type client struct {
	http      *http.Client
	endpoint  string
	workspace opcontext.Workspace
}

// newClient builds the shared plumbing. Write operations on the
// control plane are keyed by run id, so replays are safe and
// non-idempotent retry is enabled. Authentication happens inside the
// client, once per attempt, so a token that expires during backoff is
// refreshed before the retry.
func newClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.AllowNonIdempotentRetry = true
	cfg.Tokens = tokens.Token
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &client{http: hc, endpoint: endpoint, workspace: ws}, nil
}

// workspacePath renders the workspace-scoped resource prefix for the
// given service root (history, artifact, data, rp).
func (c *client) workspacePath(serviceRoot string) string {
	return fmt.Sprintf("%s/%s/v1.0/subscriptions/%s/resourceGroups/%s/providers/Microsoft.MachineLearningServices/workspaces/%s",
		c.endpoint, serviceRoot,
		c.workspace.SubscriptionID, c.workspace.ResourceGroup, c.workspace.Name)
}

// doJSON issues a JSON request and decodes the response into out when
// out is non-nil. Responses with 4xx status map to user errors, 5xx to
// system errors.
func (c *client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Unexpected(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Unexpected(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapSystem(err, []string{errors.CodeRunHistory},
			"Control-plane request failed: {reason}",
			map[string]string{"reason": err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Unexpected(err)
		}
	}
	return nil
}

// responseError classifies a non-2xx control-plane response. A 4xx
// means the request (and therefore the submission) is at fault; 5xx
// and everything else is a service failure. Denied and missing
// resources keep their own codes so the HTTP layer can echo 403/404.
func responseError(resp *http.Response) error {
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.AccessDenied(url)
	case http.StatusNotFound:
		return errors.OpenURLNotFound(url)
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	params := map[string]string{
		"status": fmt.Sprintf("%d", resp.StatusCode),
		"body":   string(snippet),
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.NewUserError(
			[]string{errors.CodeValidation, errors.CodeInvalidRequest},
			"Control plane rejected the request with status {status}: {body}", params)
	}
	return errors.NewSystemError(
		[]string{errors.CodeRunHistory},
		"Control plane returned status {status}: {body}", params)
}
