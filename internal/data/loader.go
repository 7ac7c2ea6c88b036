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
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/pkg/errors"
)

// Row is one input record.
type Row map[string]any

// LoadFile reads input rows from a local file, dispatching on the
// extension. Rows beyond maxRows are a user error: callers pass
// config.DefaultMaxRowsCount unless the submission overrides it.
func LoadFile(path string, maxRows int) ([]Row, error) {
	if maxRows <= 0 {
		maxRows = config.DefaultMaxRowsCount
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.DataAcquisition(err, path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return loadJSONL(f, path, maxRows)
	case ".json":
		return loadJSON(f, path, maxRows)
	case ".csv", ".tsv":
		return loadCSV(f, path, maxRows, filepath.Ext(path) == ".tsv")
	default:
		return nil, errors.InvalidRequest("unsupported data format: %s", filepath.Ext(path))
	}
}

// LoadDir loads all supported files in a directory, concatenating
// their rows in lexical filename order.
func LoadDir(dir string, maxRows int) ([]Row, error) {
	if maxRows <= 0 {
		maxRows = config.DefaultMaxRowsCount
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.DataAcquisition(err, dir)
	}
	var rows []Row
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jsonl", ".json", ".csv", ".tsv":
		default:
			continue
		}
		fileRows, err := LoadFile(filepath.Join(dir, e.Name()), maxRows)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fileRows...)
		if len(rows) > maxRows {
			return nil, errors.ExceedMaxRowsCount(len(rows), maxRows)
		}
	}
	return rows, nil
}

func loadJSONL(r io.Reader, path string, maxRows int) ([]Row, error) {
	var rows []Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, errors.DataAcquisition(
				fmt.Errorf("line %d: %w", lineNo, err), path)
		}
		rows = append(rows, row)
		if len(rows) > maxRows {
			return nil, errors.ExceedMaxRowsCount(len(rows), maxRows)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.DataAcquisition(err, path)
	}
	return rows, nil
}

func loadJSON(r io.Reader, path string, maxRows int) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.DataAcquisition(err, path)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		// A single object counts as one row.
		var row Row
		if err2 := json.Unmarshal(data, &row); err2 != nil {
			return nil, errors.DataAcquisition(err, path)
		}
		rows = []Row{row}
	}
	if len(rows) > maxRows {
		return nil, errors.ExceedMaxRowsCount(len(rows), maxRows)
	}
	return rows, nil
}

func loadCSV(r io.Reader, path string, maxRows int, tab bool) ([]Row, error) {
	reader := csv.NewReader(r)
	if tab {
		reader.Comma = '\t'
	}
	header, err := reader.Read()
	if err != nil {
		return nil, errors.DataAcquisition(err, path)
	}
	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.DataAcquisition(err, path)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
		if len(rows) > maxRows {
			return nil, errors.ExceedMaxRowsCount(len(rows), maxRows)
		}
	}
	return rows, nil
}
