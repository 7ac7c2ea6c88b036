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
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/httpclient"
)

// FileShareClient mirrors flow directories from an Azure file share.
// Authorization comes from the SAS credential embedded in the share
// url, so no token provider is involved.
type FileShareClient struct {
	http *http.Client
}

// NewFileShareClient creates a file share client.
func NewFileShareClient() (*FileShareClient, error) {
	hc, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &FileShareClient{http: hc}, nil
}

// fileShareListing is the File REST API directory listing shape.
type fileShareListing struct {
	XMLName xml.Name `xml:"EnumerationResults"`
	Entries struct {
		Files []struct {
			Name string `xml:"Name"`
		} `xml:"File"`
		Directories []struct {
			Name string `xml:"Name"`
		} `xml:"Directory"`
	} `xml:"Entries"`
}

// DownloadDir mirrors the directory behind shareURL into dst,
// recursing into subdirectories. The SAS query string is carried onto
// every listing and file request.
func (c *FileShareClient) DownloadDir(ctx context.Context, shareURL, dst string) error {
	u, err := url.Parse(shareURL)
	if err != nil {
		return errors.InvalidRequest("malformed file share url: %v", err)
	}
	return c.mirror(ctx, u, dst)
}

func (c *FileShareClient) mirror(ctx context.Context, u *url.URL, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Unexpected(err)
	}

	listURL := *u
	q := listURL.Query()
	q.Set("restype", "directory")
	q.Set("comp", "list")
	listURL.RawQuery = q.Encode()

	body, err := c.get(ctx, listURL.String())
	if err != nil {
		return err
	}
	var listing fileShareListing
	if err := xml.Unmarshal(body, &listing); err != nil {
		return errors.DataAcquisition(err, u.String())
	}

	for _, f := range listing.Entries.Files {
		fileURL := *u
		fileURL.Path = path.Join(u.Path, f.Name)
		content, err := c.get(ctx, fileURL.String())
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, f.Name), content, 0o644); err != nil {
			return errors.Unexpected(err)
		}
	}
	for _, d := range listing.Entries.Directories {
		subURL := *u
		subURL.Path = path.Join(u.Path, d.Name)
		if err := c.mirror(ctx, &subURL, filepath.Join(dst, d.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *FileShareClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Unexpected(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.DataAcquisition(err, rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.DataAcquisition(
			fmt.Errorf("status %d", resp.StatusCode), rawURL)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.DataAcquisition(err, rawURL)
	}
	return content, nil
}
