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

// Package snapshot restores flow definition snapshots into a run's
// working directory. A snapshot is the content-addressed copy of the
// flow folder taken at submission time; the content service hands out
// per-file download URIs for it.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/httpclient"
)

// downloadConcurrency bounds parallel file downloads per restore.
const downloadConcurrency = 8

// Manifest lists the files of a snapshot with their download URIs,
// keyed by relative path.
type Manifest struct {
	SnapshotID string            `json:"snapshot_id"`
	Files      map[string]string `json:"files"`
}

// Client fetches snapshot manifests and restores their content.
type Client struct {
	http     *http.Client
	endpoint string
	ws       opcontext.Workspace
	tokens   TokenProvider
}

// TokenProvider matches the azure token cache without importing it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// NewClient creates a snapshot client against the content service.
func NewClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{http: hc, endpoint: strings.TrimRight(endpoint, "/"), ws: ws, tokens: tokens}, nil
}

// Manifest fetches the file listing of a snapshot.
func (c *Client) Manifest(ctx context.Context, snapshotID string) (*Manifest, error) {
	url := fmt.Sprintf(
		"%s/content/v2.0/subscriptions/%s/resourceGroups/%s/providers/Microsoft.MachineLearningServices/workspaces/%s/snapshots/%s",
		c.endpoint, c.ws.SubscriptionID, c.ws.ResourceGroup, c.ws.Name, snapshotID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, errors.Unexpected(err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errors.SnapshotDownload(err, snapshotID)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.SnapshotDownload(err, snapshotID)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewUserError(
			[]string{errors.CodeValidation, errors.CodeSnapshotDownload},
			"Snapshot {snapshot_id} was not found.",
			map[string]string{"snapshot_id": snapshotID})
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.SnapshotDownload(
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet), snapshotID)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, errors.SnapshotDownload(err, snapshotID)
	}
	if m.SnapshotID == "" {
		m.SnapshotID = snapshotID
	}
	return &m, nil
}

// Restore downloads every file of the snapshot into dir, preserving
// relative paths. Download URIs are pre-signed, so no auth header is
// sent with them.
func (c *Client) Restore(ctx context.Context, snapshotID, dir string) error {
	m, err := c.Manifest(ctx, snapshotID)
	if err != nil {
		return err
	}
	return c.RestoreManifest(ctx, m, dir)
}

// RestoreManifest downloads the files of an already-fetched manifest.
func (c *Client) RestoreManifest(ctx context.Context, m *Manifest, dir string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		relPath string
		uri     string
	}
	jobs := make(chan job)
	errs := make(chan error, downloadConcurrency)

	var wg sync.WaitGroup
	for i := 0; i < downloadConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := c.downloadFile(ctx, j.uri, dir, j.relPath); err != nil {
					select {
					case errs <- err:
						cancel()
					default:
					}
					return
				}
			}
		}()
	}

	for relPath, uri := range m.Files {
		select {
		case jobs <- job{relPath: relPath, uri: uri}:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return errors.SnapshotDownload(err, m.SnapshotID)
	default:
		return nil
	}
}

// downloadFile fetches one snapshot file. Paths are confined to dir;
// a manifest entry escaping it is rejected.
func (c *Client) downloadFile(ctx context.Context, uri, dir, relPath string) error {
	clean := filepath.Clean(relPath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("snapshot path %q escapes the working directory", relPath)
	}
	target := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", clean, resp.StatusCode)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
