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

package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/promptflow/runtime/pkg/errors"
)

// jqTimeout bounds one mapping expression evaluation.
const jqTimeout = time.Second

// Mapping maps flow input names to values derived from the input row
// and, for evaluation runs, a previous run's output row. Values are
// literals, ${data.col} / ${run.outputs.col} references, or jq
// expressions prefixed with "jq:".
type Mapping map[string]string

// Apply resolves the mapping for every row. runOutputs aligns with
// rows by index and may be nil when no previous run is referenced.
func (m Mapping) Apply(ctx context.Context, rows []Row, runOutputs []Row) ([]Row, error) {
	if len(m) == 0 {
		return rows, nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		var prev Row
		if i < len(runOutputs) {
			prev = runOutputs[i]
		}
		mapped, err := m.applyRow(ctx, row, prev)
		if err != nil {
			return nil, errors.WrapUser(err,
				[]string{errors.CodeValidation, errors.CodeInvalidRequest},
				"Input mapping failed for line {line_number}.",
				map[string]string{"line_number": fmt.Sprintf("%d", i)})
		}
		out[i] = mapped
	}
	return out, nil
}

func (m Mapping) applyRow(ctx context.Context, row, prev Row) (Row, error) {
	mapped := make(Row, len(m))
	for name, expr := range m {
		value, err := resolveValue(ctx, expr, row, prev)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		mapped[name] = value
	}
	return mapped, nil
}

func resolveValue(ctx context.Context, expr string, row, prev Row) (any, error) {
	switch {
	case strings.HasPrefix(expr, "jq:"):
		return evalJQ(ctx, strings.TrimPrefix(expr, "jq:"), map[string]any{
			"data": map[string]any(row),
			"run":  map[string]any{"outputs": map[string]any(prev)},
		})
	case strings.HasPrefix(expr, "${data.") && strings.HasSuffix(expr, "}"):
		col := expr[len("${data.") : len(expr)-1]
		value, ok := row[col]
		if !ok {
			return nil, fmt.Errorf("column %q not in input data", col)
		}
		return value, nil
	case strings.HasPrefix(expr, "${run.outputs.") && strings.HasSuffix(expr, "}"):
		col := expr[len("${run.outputs.") : len(expr)-1]
		if prev == nil {
			return nil, fmt.Errorf("mapping references run outputs but no previous run was given")
		}
		value, ok := prev[col]
		if !ok {
			return nil, fmt.Errorf("output %q not in previous run", col)
		}
		return value, nil
	default:
		return expr, nil
	}
}

// evalJQ runs one jq expression with a timeout. Multiple outputs
// collapse to an array, matching how jq streams results.
func evalJQ(ctx context.Context, expression string, input map[string]any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, jqTimeout)
	defer cancel()

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
