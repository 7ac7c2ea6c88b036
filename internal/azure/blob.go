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
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/httpclient"
)

// Blob REST constants.
const (
	// LeaseDuration is the fixed lease term used for guarded updates.
	LeaseDuration = 15 * time.Second
	// LeaseAcquireAttempts bounds lease contention retries.
	LeaseAcquireAttempts = 10
)

// ErrRequestEntityTooLarge marks a 413 from the service. Callers that
// persist oversized records check for it with stderrors.Is and retry
// with a trimmed payload.
var ErrRequestEntityTooLarge = stderrors.New("request entity too large")

// BlobClient is a minimal blob storage data-plane client: block blob
// upload, append blob create/append, download, and lease operations.
type BlobClient struct {
	http     *http.Client
	endpoint string
	account  string
}

// NewBlobClient creates a blob client for the given account. An empty
// endpoint defaults to the public cloud blob endpoint; tests point it
// at an httptest server. Data-plane transfers can be large, so the
// deadline is wider than the control-plane default; each attempt still
// re-authenticates through the client's token source.
func NewBlobClient(account, endpoint string, tokens TokenProvider) (*BlobClient, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 60 * time.Second
	cfg.AllowNonIdempotentRetry = true
	cfg.Tokens = tokens.Token
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	return &BlobClient{http: hc, endpoint: endpoint, account: account}, nil
}

func (c *BlobClient) blobURL(container, path string) string {
	return fmt.Sprintf("%s/%s/%s", c.endpoint, container, path)
}

func (c *BlobClient) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Unexpected(err)
	}
	req.Header.Set("x-ms-version", "2021-08-06")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// storageError classifies a blob failure. 401/403 means the workspace
// identity lacks data-plane access, which is the caller's to fix.
func (c *BlobClient) storageError(resp *http.Response, operation string) error {
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.StorageAuthentication(statusErr, c.account)
	case http.StatusRequestEntityTooLarge:
		return errors.StorageOperation(fmt.Errorf("%w: %s", ErrRequestEntityTooLarge, snippet), operation)
	}
	return errors.StorageOperation(statusErr, operation)
}

// UploadBlockBlob writes content as a block blob, overwriting any
// existing blob at the path.
func (c *BlobClient) UploadBlockBlob(ctx context.Context, container, path string, content []byte) error {
	resp, err := c.do(ctx, "PUT", c.blobURL(container, path),
		map[string]string{"x-ms-blob-type": "BlockBlob"}, content)
	if err != nil {
		return errors.StorageOperation(err, "upload_block_blob")
	}
	if resp.StatusCode != http.StatusCreated {
		return c.storageError(resp, "upload_block_blob")
	}
	resp.Body.Close()
	return nil
}

// UploadIfAbsent writes a block blob only when the path is empty.
// Used to seed blobs that are subsequently updated under a lease,
// since a lease can only be taken on an existing blob.
func (c *BlobClient) UploadIfAbsent(ctx context.Context, container, path string, content []byte) error {
	resp, err := c.do(ctx, "PUT", c.blobURL(container, path), map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"If-None-Match":  "*",
	}, content)
	if err != nil {
		return errors.StorageOperation(err, "upload_if_absent")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return c.storageError(resp, "upload_if_absent")
}

// CreateAppendBlob creates an empty append blob if none exists.
// An existing blob at the path is left untouched.
func (c *BlobClient) CreateAppendBlob(ctx context.Context, container, path string) error {
	resp, err := c.do(ctx, "PUT", c.blobURL(container, path), map[string]string{
		"x-ms-blob-type": "AppendBlob",
		// Only create when absent: append targets must not be reset.
		"If-None-Match": "*",
	}, nil)
	if err != nil {
		return errors.StorageOperation(err, "create_append_blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return c.storageError(resp, "create_append_blob")
}

// AppendBlock appends content to an existing append blob.
func (c *BlobClient) AppendBlock(ctx context.Context, container, path string, content []byte) error {
	url := c.blobURL(container, path) + "?comp=appendblock"
	resp, err := c.do(ctx, "PUT", url, nil, content)
	if err != nil {
		return errors.StorageOperation(err, "append_block")
	}
	if resp.StatusCode != http.StatusCreated {
		return c.storageError(resp, "append_block")
	}
	resp.Body.Close()
	return nil
}

// Download reads a blob's content.
func (c *BlobClient) Download(ctx context.Context, container, path string) ([]byte, error) {
	resp, err := c.do(ctx, "GET", c.blobURL(container, path), nil, nil)
	if err != nil {
		return nil, errors.StorageOperation(err, "download_blob")
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.storageError(resp, "download_blob")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.StorageOperation(err, "download_blob")
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (c *BlobClient) Exists(ctx context.Context, container, path string) (bool, error) {
	resp, err := c.do(ctx, "HEAD", c.blobURL(container, path), nil, nil)
	if err != nil {
		return false, errors.StorageOperation(err, "head_blob")
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.StorageOperation(
			fmt.Errorf("status %d", resp.StatusCode), "head_blob")
	}
}

// AcquireLease takes a fixed-duration lease on a blob, retrying while
// another holder has it. Returns the lease id.
func (c *BlobClient) AcquireLease(ctx context.Context, container, path string) (string, error) {
	url := c.blobURL(container, path) + "?comp=lease"
	headers := map[string]string{
		"x-ms-lease-action":   "acquire",
		"x-ms-lease-duration": fmt.Sprintf("%d", int(LeaseDuration.Seconds())),
	}
	for attempt := 0; attempt < LeaseAcquireAttempts; attempt++ {
		resp, err := c.do(ctx, "PUT", url, headers, nil)
		if err != nil {
			return "", errors.StorageOperation(err, "acquire_lease")
		}
		if resp.StatusCode == http.StatusCreated {
			leaseID := resp.Header.Get("x-ms-lease-id")
			resp.Body.Close()
			return leaseID, nil
		}
		if resp.StatusCode != http.StatusConflict {
			return "", c.storageError(resp, "acquire_lease")
		}
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return "", errors.StorageOperation(ctx.Err(), "acquire_lease")
		case <-time.After(time.Second):
		}
	}
	return "", errors.StorageOperation(
		fmt.Errorf("lease on %s/%s still held after %d attempts", container, path, LeaseAcquireAttempts),
		"acquire_lease")
}

// UploadWithLease overwrites a block blob under an acquired lease.
func (c *BlobClient) UploadWithLease(ctx context.Context, container, path, leaseID string, content []byte) error {
	resp, err := c.do(ctx, "PUT", c.blobURL(container, path), map[string]string{
		"x-ms-blob-type": "BlockBlob",
		"x-ms-lease-id":  leaseID,
	}, content)
	if err != nil {
		return errors.StorageOperation(err, "upload_with_lease")
	}
	if resp.StatusCode != http.StatusCreated {
		return c.storageError(resp, "upload_with_lease")
	}
	resp.Body.Close()
	return nil
}

// ReleaseLease releases a held lease. Failures are returned but safe
// to ignore: the lease expires on its own.
func (c *BlobClient) ReleaseLease(ctx context.Context, container, path, leaseID string) error {
	url := c.blobURL(container, path) + "?comp=lease"
	resp, err := c.do(ctx, "PUT", url, map[string]string{
		"x-ms-lease-action": "release",
		"x-ms-lease-id":     leaseID,
	}, nil)
	if err != nil {
		return errors.StorageOperation(err, "release_lease")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.StorageOperation(
			fmt.Errorf("status %d", resp.StatusCode), "release_lease")
	}
	return nil
}
