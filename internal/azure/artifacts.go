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
	"regexp"

	"github.com/promptflow/runtime/internal/opcontext"
	"github.com/promptflow/runtime/pkg/errors"
)

// ArtifactClient registers run artifacts with the artifact service.
type ArtifactClient struct {
	*client
}

// NewArtifactClient creates an artifact client.
func NewArtifactClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*ArtifactClient, error) {
	c, err := newClient(endpoint, ws, tokens)
	if err != nil {
		return nil, err
	}
	return &ArtifactClient{client: c}, nil
}

// RegisterArtifact records an artifact path for a run, linking the
// blob-stored content into the run record.
func (c *ArtifactClient) RegisterArtifact(ctx context.Context, runID, artifactPath string) error {
	url := fmt.Sprintf("%s/artifacts/register", c.workspacePath("artifact"))
	body := map[string]any{
		"origin":    "ExperimentRun",
		"container": "dcid." + runID,
		"path":      artifactPath,
	}
	if err := c.doJSON(ctx, "POST", url, body, nil); err != nil {
		return errors.WrapSystem(err, []string{errors.CodeRunHistory},
			"Failed to register artifact {path} for run {run_id}.",
			map[string]string{"path": artifactPath, "run_id": runID})
	}
	return nil
}

// AssetClient creates data assets referencing blob-stored run output.
type AssetClient struct {
	*client
}

// NewAssetClient creates an asset client.
func NewAssetClient(endpoint string, ws opcontext.Workspace, tokens TokenProvider) (*AssetClient, error) {
	c, err := newClient(endpoint, ws, tokens)
	if err != nil {
		return nil, err
	}
	return &AssetClient{client: c}, nil
}

// CreateAsset registers a data asset for the given artifact path and
// returns its asset id.
func (c *AssetClient) CreateAsset(ctx context.Context, runID, name, artifactPath string) (string, error) {
	url := fmt.Sprintf("%s/dataversion/createUnregisteredOutput", c.workspacePath("data"))
	body := map[string]any{
		"runId":     runID,
		"outputName": name,
		"path":      artifactPath,
	}
	var out struct {
		AssetID string `json:"assetId"`
	}
	if err := c.doJSON(ctx, "POST", url, body, &out); err != nil {
		return "", errors.WrapSystem(err, []string{errors.CodeRunHistory},
			"Failed to create asset {name} for run {run_id}.",
			map[string]string{"name": name, "run_id": runID})
	}
	return out.AssetID, nil
}

// ResolveDataVersion looks up a registered data asset and returns the
// uri its content lives at, typically a datastore or wasbs uri.
func (c *AssetClient) ResolveDataVersion(ctx context.Context, name, version string) (string, error) {
	url := fmt.Sprintf("%s/dataversion/%s/versions/%s", c.workspacePath("data"), name, version)
	var out struct {
		DataVersion struct {
			DataURI string `json:"dataUri"`
		} `json:"dataVersion"`
	}
	if err := c.doJSON(ctx, "GET", url, nil, &out); err != nil {
		return "", errors.WrapUser(err,
			[]string{errors.CodeValidation},
			"Failed to resolve data asset {name}:{version}.",
			map[string]string{"name": name, "version": version})
	}
	return out.DataVersion.DataURI, nil
}

// assetIDPattern matches a full ARM asset id and captures name and
// version, e.g. .../data/flow_outputs/versions/3.
var assetIDPattern = regexp.MustCompile(`/data/([^/]+)/versions/([^/]+)$`)

// ShortAssetID rewrites a full ARM asset id to azureml:{name}:{version}
// form. Ids that do not match are returned unchanged.
func ShortAssetID(assetID string) string {
	m := assetIDPattern.FindStringSubmatch(assetID)
	if m == nil {
		return assetID
	}
	return fmt.Sprintf("azureml:%s:%s", m[1], m[2])
}
