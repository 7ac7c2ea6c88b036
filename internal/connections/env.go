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
	"regexp"
	"sort"

	"github.com/promptflow/runtime/pkg/errors"
)

// envPlaceholder matches ${connection_name.field} environment values.
var envPlaceholder = regexp.MustCompile(`^\$\{([^.}]+)\.([^}]+)\}$`)

// EnvPlaceholders returns the connection names referenced by
// placeholder values in env, sorted and deduplicated.
func EnvPlaceholders(env map[string]string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range env {
		if m := envPlaceholder.FindStringSubmatch(v); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// InjectEnv replaces placeholder values in env with the referenced
// connection fields, secrets first, then configs. The input map is not
// modified. A placeholder naming an unresolved connection or an
// unknown field is a user error.
func InjectEnv(env map[string]string, conns map[string]Connection) (map[string]string, error) {
	if len(env) == 0 {
		return env, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		m := envPlaceholder.FindStringSubmatch(v)
		if m == nil {
			out[k] = v
			continue
		}
		conn, ok := conns[m[1]]
		if !ok {
			return nil, errors.ConnectionNotFound(m[1])
		}
		if sv, ok := conn.Secrets[m[2]]; ok {
			out[k] = sv
			continue
		}
		if cv, ok := conn.Configs[m[2]]; ok {
			out[k] = cv
			continue
		}
		return nil, errors.InvalidRequest(
			"environment variable %s references unknown field %s of connection %s", k, m[2], m[1])
	}
	return out, nil
}
