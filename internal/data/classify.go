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

// Package data acquires and shapes run input data: classifying input
// URIs, loading rows with the row cap, and applying input mappings.
package data

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/promptflow/runtime/pkg/errors"
)

// URIKind classifies an input data reference.
type URIKind string

const (
	KindLocal             URIKind = "Local"
	KindHTTP              URIKind = "Http"
	KindWasbs             URIKind = "Wasbs"
	KindAzureMLData       URIKind = "AzureMLData"
	KindAzureMLDatastore  URIKind = "AzureMLDatastore"
	KindAzureMLAsset      URIKind = "AzureMLAsset"
	KindAzureMLRegistry   URIKind = "AzureMLRegistry"
)

var (
	wasbsPattern     = regexp.MustCompile(`^wasbs?://([^@]+)@([^/]+)(/.*)?$`)
	dataURIPattern   = regexp.MustCompile(`^azureml:/?/?.*/data/([^/]+)/versions/([^/]+)$`)
	datastorePattern = regexp.MustCompile(`^azureml://datastores/([^/]+)/paths/(.+)$`)
	assetPattern     = regexp.MustCompile(`^azureml:([^:/]+):([^:/]+)$`)
	registryPattern  = regexp.MustCompile(`^azureml://registries/([^/]+)/`)
)

// Classify determines what kind of reference a data URI is.
func Classify(uri string) URIKind {
	switch {
	case wasbsPattern.MatchString(uri):
		return KindWasbs
	case registryPattern.MatchString(uri):
		return KindAzureMLRegistry
	case datastorePattern.MatchString(uri):
		return KindAzureMLDatastore
	case dataURIPattern.MatchString(uri):
		return KindAzureMLData
	case assetPattern.MatchString(uri):
		return KindAzureMLAsset
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return KindHTTP
	default:
		return KindLocal
	}
}

// RewriteWasbs converts a wasbs URI to the equivalent https blob URL,
// moving the container from the authority into the path.
func RewriteWasbs(uri string) (string, error) {
	m := wasbsPattern.FindStringSubmatch(uri)
	if m == nil {
		return "", errors.InvalidRequest("not a wasbs uri: %s", uri)
	}
	container, host, path := m[1], m[2], m[3]
	return fmt.Sprintf("https://%s/%s%s", host, container, path), nil
}

// DatastoreRef is a parsed azureml://datastores/{name}/paths/{path}
// reference.
type DatastoreRef struct {
	Datastore string
	Path      string
}

// ParseDatastoreRef parses a datastore URI.
func ParseDatastoreRef(uri string) (DatastoreRef, bool) {
	m := datastorePattern.FindStringSubmatch(uri)
	if m == nil {
		return DatastoreRef{}, false
	}
	return DatastoreRef{Datastore: m[1], Path: m[2]}, true
}

// AssetRef is a parsed azureml:{name}:{version} reference.
type AssetRef struct {
	Name    string
	Version string
}

// ParseAssetRef parses a short or full asset id into name and version.
func ParseAssetRef(uri string) (AssetRef, bool) {
	if m := assetPattern.FindStringSubmatch(uri); m != nil {
		return AssetRef{Name: m[1], Version: m[2]}, true
	}
	if m := dataURIPattern.FindStringSubmatch(uri); m != nil {
		return AssetRef{Name: m[1], Version: m[2]}, true
	}
	return AssetRef{}, false
}
