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

package runtime

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/promptflow/runtime/internal/data"
	"github.com/promptflow/runtime/pkg/errors"
)

// mediaURLKey matches the url form of a multimedia reference key,
// "data:<mime>;url".
var mediaURLKey = regexp.MustCompile(`^data:([^;]+);url$`)

// stageMultimedia downloads remote multimedia references in the inputs
// into dir/media and rewrites them to local-path form. The executor
// operates on local files, so a one-entry object
// {"data:<mime>;url": "<url>"} becomes {"data:<mime>;path": "<file>"}.
// Values nested in objects and arrays are staged too.
func (s *Service) stageMultimedia(ctx context.Context, inputs map[string]any, dir string) error {
	st := &mediaStager{svc: s, dir: filepath.Join(dir, "media")}
	return st.stageMap(ctx, inputs)
}

// stageRows stages multimedia references across batch input rows.
func (s *Service) stageRows(ctx context.Context, rows []map[string]any, dir string) error {
	st := &mediaStager{svc: s, dir: filepath.Join(dir, "media")}
	for _, row := range rows {
		if err := st.stageMap(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// mediaStager numbers the staged files so references within one
// submission never collide.
type mediaStager struct {
	svc *Service
	dir string
	n   int
}

func (st *mediaStager) stageMap(ctx context.Context, m map[string]any) error {
	for key, value := range m {
		staged, err := st.stage(ctx, value)
		if err != nil {
			return err
		}
		m[key] = staged
	}
	return nil
}

func (st *mediaStager) stage(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if mime, link, ok := mediaRef(v); ok {
			return st.rewrite(ctx, mime, link)
		}
		if err := st.stageMap(ctx, v); err != nil {
			return nil, err
		}
		return v, nil
	case []any:
		for i, item := range v {
			staged, err := st.stage(ctx, item)
			if err != nil {
				return nil, err
			}
			v[i] = staged
		}
		return v, nil
	default:
		return value, nil
	}
}

// rewrite downloads one reference and returns its local-path form.
// References that are not remote urls pass through unchanged.
func (st *mediaStager) rewrite(ctx context.Context, mime, link string) (any, error) {
	fetchLink := link
	switch data.Classify(link) {
	case data.KindWasbs:
		httpsURL, err := data.RewriteWasbs(link)
		if err != nil {
			return nil, err
		}
		fetchLink = httpsURL
	case data.KindHTTP:
	default:
		return map[string]any{"data:" + mime + ";url": link}, nil
	}

	content, err := st.svc.fetchURL(ctx, fetchLink)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return nil, errors.Unexpected(err)
	}
	name := fmt.Sprintf("media_%d%s", st.n, mediaExt(fetchLink, mime))
	st.n++
	file := filepath.Join(st.dir, name)
	if err := os.WriteFile(file, content, 0o644); err != nil {
		return nil, errors.Unexpected(err)
	}
	return map[string]any{"data:" + mime + ";path": file}, nil
}

// mediaRef reports whether a value is a multimedia url reference.
func mediaRef(v map[string]any) (mime, link string, ok bool) {
	if len(v) != 1 {
		return "", "", false
	}
	for key, value := range v {
		m := mediaURLKey.FindStringSubmatch(key)
		if m == nil {
			return "", "", false
		}
		s, isString := value.(string)
		if !isString || s == "" {
			return "", "", false
		}
		return m[1], s, true
	}
	return "", "", false
}

// mediaExt picks a file extension from the url path, falling back to
// the mime subtype.
func mediaExt(rawURL, mime string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return ext
		}
	}
	if _, subtype, ok := strings.Cut(mime, "/"); ok && subtype != "" {
		return "." + subtype
	}
	return ".bin"
}
