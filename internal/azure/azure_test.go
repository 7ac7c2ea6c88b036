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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

var testWorkspace = opcontext.Workspace{
	SubscriptionID: "sub-1",
	ResourceGroup:  "rg-1",
	Name:           "ws-1",
}

// unsignedJWT builds an unsigned JWT with the given expiry for cache
// tests.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

type countingProvider struct {
	calls atomic.Int32
	token string
}

func (p *countingProvider) Token(ctx context.Context) (string, error) {
	p.calls.Add(1)
	return p.token, nil
}

func TestCachingTokenProviderReusesUnexpiredToken(t *testing.T) {
	inner := &countingProvider{token: unsignedJWT(t, time.Now().Add(time.Hour))}
	p := NewCachingTokenProvider(inner)

	for i := 0; i < 5; i++ {
		_, err := p.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachingTokenProviderRefreshesNearExpiry(t *testing.T) {
	// Expires within the refresh skew, so every call refetches.
	inner := &countingProvider{token: unsignedJWT(t, time.Now().Add(time.Minute))}
	p := NewCachingTokenProvider(inner)

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRunHistoryUpdateStatusRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewRunHistoryClient(srv.URL, testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	err = c.UpdateRunStatusWithRetry(context.Background(), "run-1", run.StatusCanceled, 10, 10*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunHistoryUserErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad run id"}`)
	}))
	defer srv.Close()

	c, err := NewRunHistoryClient(srv.URL, testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	err = c.UpdateRunStatusWithRetry(context.Background(), "run-1", run.StatusCanceled, 10, 10*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunHistoryEndRunRejectsNonTerminal(t *testing.T) {
	c, err := NewRunHistoryClient("http://unused", testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	err = c.EndRun(context.Background(), "run-1", run.StatusRunning, nil)
	assert.Error(t, err)
}

func TestBlobLeaseGuardedUpdate(t *testing.T) {
	var leased atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("comp") == "lease":
			switch r.Header.Get("x-ms-lease-action") {
			case "acquire":
				if !leased.CompareAndSwap(false, true) {
					w.WriteHeader(http.StatusConflict)
					return
				}
				w.Header().Set("x-ms-lease-id", "lease-1")
				w.WriteHeader(http.StatusCreated)
			case "release":
				leased.Store(false)
				w.WriteHeader(http.StatusOK)
			}
		case r.Method == "PUT":
			if leased.Load() && r.Header.Get("x-ms-lease-id") != "lease-1" {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c, err := NewBlobClient("acct", srv.URL, StaticToken("tok"))
	require.NoError(t, err)

	ctx := context.Background()
	leaseID, err := c.AcquireLease(ctx, "container", "runs/run-1/overview.json")
	require.NoError(t, err)
	assert.Equal(t, "lease-1", leaseID)

	require.NoError(t, c.UploadWithLease(ctx, "container", "runs/run-1/overview.json", leaseID, []byte(`{}`)))
	require.NoError(t, c.ReleaseLease(ctx, "container", "runs/run-1/overview.json", leaseID))

	// Lease is free again.
	_, err = c.AcquireLease(ctx, "container", "runs/run-1/overview.json")
	require.NoError(t, err)
}

func TestBlobAuthErrorIsUserError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewBlobClient("acct", srv.URL, StaticToken("tok"))
	require.NoError(t, err)

	err = c.UploadBlockBlob(context.Background(), "container", "p", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))

	var userErr *errors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, []string{errors.CodeStorageAuth}, userErr.Codes)
}

func TestBlobAppendFlow(t *testing.T) {
	var created, appended atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("comp") == "appendblock":
			appended.Add(1)
			w.WriteHeader(http.StatusCreated)
		case r.Header.Get("x-ms-blob-type") == "AppendBlob":
			if created.Add(1) > 1 {
				// Already exists.
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c, err := NewBlobClient("acct", srv.URL, StaticToken("tok"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateAppendBlob(ctx, "c", "flow_artifacts/0_24.jsonl"))
	// Second create is a no-op, not an error.
	require.NoError(t, c.CreateAppendBlob(ctx, "c", "flow_artifacts/0_24.jsonl"))
	require.NoError(t, c.AppendBlock(ctx, "c", "flow_artifacts/0_24.jsonl", []byte("line\n")))
	assert.Equal(t, int32(1), appended.Load())
}

func TestShortAssetID(t *testing.T) {
	full := "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.MachineLearningServices/workspaces/ws/data/flow_outputs/versions/3"
	assert.Equal(t, "azureml:flow_outputs:3", ShortAssetID(full))
	assert.Equal(t, "not-an-asset", ShortAssetID("not-an-asset"))
}

func TestConnectionsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewConnectionsClient(srv.URL, testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	_, err = c.GetWithSecrets(context.Background(), "missing_conn")
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
	assert.Contains(t, err.Error(), "missing_conn")

	// A control-plane 404 keeps its own code so the HTTP layer can
	// answer 404 with OpenURLNotFoundError as the innermost code.
	assert.True(t, errors.HasCode(err, errors.CodeOpenURLNotFound))
	env := errors.Envelop(err, "")
	assert.Equal(t, "UserError", env.Code)
	assert.Equal(t, "OpenURLNotFoundError", env.InnermostErrorCode)
}

func TestConnectionsAccessDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewConnectionsClient(srv.URL, testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	_, err = c.GetWithSecrets(context.Background(), "locked_conn")
	require.Error(t, err)
	assert.True(t, errors.IsUserError(err))
	assert.True(t, errors.HasCode(err, errors.CodeAccessDenied))
	assert.Equal(t, http.StatusForbidden, errors.HTTPStatus(err))
}

func TestFileShareDownloadDir(t *testing.T) {
	const rootListing = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults>
  <Entries>
    <File><Name>flow.dag.yaml</Name></File>
    <Directory><Name>tools</Name></Directory>
  </Entries>
</EnumerationResults>`
	const toolsListing = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults>
  <Entries>
    <File><Name>echo.py</Name></File>
  </Entries>
</EnumerationResults>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The SAS credential must ride along on every request.
		assert.Equal(t, "abc", r.URL.Query().Get("sig"))
		if r.URL.Query().Get("comp") == "list" {
			switch r.URL.Path {
			case "/share/flows/f1":
				fmt.Fprint(w, rootListing)
			case "/share/flows/f1/tools":
				fmt.Fprint(w, toolsListing)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
			return
		}
		fmt.Fprint(w, "data:"+r.URL.Path)
	}))
	defer srv.Close()

	c, err := NewFileShareClient()
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, c.DownloadDir(context.Background(),
		srv.URL+"/share/flows/f1?sv=2022-11-02&sig=abc", dst))

	dag, err := os.ReadFile(filepath.Join(dst, "flow.dag.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data:/share/flows/f1/flow.dag.yaml", string(dag))

	tool, err := os.ReadFile(filepath.Join(dst, "tools", "echo.py"))
	require.NoError(t, err)
	assert.Equal(t, "data:/share/flows/f1/tools/echo.py", string(tool))
}

func TestConnectionsGetWithSecrets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/connections/aoai/listsecrets")
		json.NewEncoder(w).Encode(WorkspaceConnection{
			Name:        "aoai",
			Category:    "AzureOpenAI",
			Target:      "https://example.openai.azure.com",
			AuthType:    "ApiKey",
			Credentials: map[string]string{"key": "s3cret"},
			Metadata:    map[string]string{"ApiVersion": "2024-02-01"},
		})
	}))
	defer srv.Close()

	c, err := NewConnectionsClient(srv.URL, testWorkspace, StaticToken("tok"))
	require.NoError(t, err)

	conn, err := c.GetWithSecrets(context.Background(), "aoai")
	require.NoError(t, err)
	assert.Equal(t, "AzureOpenAI", conn.Category)
	assert.Equal(t, "s3cret", conn.Credentials["key"])
}
