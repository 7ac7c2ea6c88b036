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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/promptflow/runtime/pkg/errors"
	"github.com/promptflow/runtime/pkg/run"
)

// LocalIndex is a sqlite-backed record of runs this runtime instance
// handled. It exists for diagnostics only; the tracking service is the
// system of record.
type LocalIndex struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
	run_id      TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, line_number)
);
`

// OpenLocalIndex opens or creates the index database. An empty path
// keeps the index in memory.
func OpenLocalIndex(path string) (*LocalIndex, error) {
	if path == "" {
		path = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.StorageOperation(err, "open_local_index")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.StorageOperation(err, "open_local_index")
	}
	// modernc sqlite is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, errors.StorageOperation(err, "open_local_index")
	}
	return &LocalIndex{db: db}, nil
}

func (i *LocalIndex) recordRun(ctx context.Context, runID string, mode run.Mode, status run.Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, mode, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		runID, string(mode), string(status), now, now)
	if err != nil {
		return errors.StorageOperation(err, "record_run")
	}
	return nil
}

func (i *LocalIndex) recordLine(ctx context.Context, runID string, lineNumber int, status run.Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO lines (run_id, line_number, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, line_number) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		runID, lineNumber, string(status), now)
	if err != nil {
		return errors.StorageOperation(err, "record_line")
	}
	return nil
}

// RunStatus looks up the indexed status of a run.
func (i *LocalIndex) RunStatus(ctx context.Context, runID string) (run.Status, bool, error) {
	var status string
	err := i.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.StorageOperation(err, "run_status")
	}
	return run.Status(status), true, nil
}

// LineStatuses returns the per-line statuses recorded for a run.
func (i *LocalIndex) LineStatuses(ctx context.Context, runID string) (map[int]run.Status, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT line_number, status FROM lines WHERE run_id = ? ORDER BY line_number`, runID)
	if err != nil {
		return nil, errors.StorageOperation(err, "line_statuses")
	}
	defer rows.Close()
	out := make(map[int]run.Status)
	for rows.Next() {
		var n int
		var status string
		if err := rows.Scan(&n, &status); err != nil {
			return nil, errors.StorageOperation(err, "line_statuses")
		}
		out[n] = run.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageOperation(err, "line_statuses")
	}
	return out, nil
}

func (i *LocalIndex) Close() error {
	return i.db.Close()
}

// DummyRunStorage discards results. Synchronous test runs return their
// results in the HTTP response, so nothing needs to outlive the
// request; the local index keeps enough to answer diagnostics queries.
type DummyRunStorage struct {
	index *LocalIndex
}

// NewDummyRunStorage creates the no-op backend. index may be nil.
func NewDummyRunStorage(index *LocalIndex) *DummyRunStorage {
	return &DummyRunStorage{index: index}
}

func (s *DummyRunStorage) PersistLineRun(ctx context.Context, rootRunID string, line *run.LineResult) error {
	if s.index == nil {
		return nil
	}
	return s.index.recordLine(ctx, rootRunID, line.LineNumber, line.Status)
}

func (s *DummyRunStorage) PersistNodeRun(ctx context.Context, rootRunID string, node *run.NodeResult) error {
	return nil
}

func (s *DummyRunStorage) PersistResult(ctx context.Context, rootRunID string, result *run.BatchResult) error {
	if s.index == nil {
		return nil
	}
	if result.RootRunID != "" && result.RootRunID != rootRunID {
		return errors.Unexpected(fmt.Errorf("result root run %s does not match %s", result.RootRunID, rootRunID))
	}
	return s.index.recordRun(ctx, rootRunID, run.ModeFlow, result.Status)
}

func (s *DummyRunStorage) Close() error {
	// The index is shared across runs and closed by the factory.
	return nil
}
