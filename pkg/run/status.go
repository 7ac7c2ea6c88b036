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

// Package run defines the run data model shared by the service,
// storage backends, and execution workers.
package run

// Status is the lifecycle state of a run.
type Status string

const (
	StatusNotStarted      Status = "NotStarted"
	StatusPreparing       Status = "Preparing"
	StatusRunning         Status = "Running"
	StatusCancelRequested Status = "CancelRequested"
	StatusCanceled        Status = "Canceled"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	// StatusBypassed marks a node or line skipped by an activate
	// condition. It is terminal: a bypassed node never runs later.
	StatusBypassed Status = "Bypassed"
)

// IsTerminal reports whether s is a terminal status. CancelRequested
// is not terminal: a run may still finish on its own before the cancel
// takes effect.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusCompleted, StatusFailed, StatusBypassed:
		return true
	}
	return false
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusPreparing, StatusRunning,
		StatusCancelRequested, StatusCanceled, StatusCompleted,
		StatusFailed, StatusBypassed:
		return true
	}
	return false
}

// rank orders statuses along the lattice. CancelRequested sits beside
// Running: both can still reach any terminal status.
var rank = map[Status]int{
	StatusNotStarted:      0,
	StatusPreparing:       1,
	StatusRunning:         2,
	StatusCancelRequested: 2,
	StatusCanceled:        3,
	StatusCompleted:       3,
	StatusFailed:          3,
	StatusBypassed:        3,
}

// CanTransition reports whether a run may move from one status to
// another. Transitions only move forward; terminal statuses never
// change.
func CanTransition(from, to Status) bool {
	if !from.IsValid() || !to.IsValid() || from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	// Running and CancelRequested share a rank but only
	// Running -> CancelRequested is legal between them.
	if from == StatusCancelRequested && to == StatusRunning {
		return false
	}
	return rank[to] >= rank[from]
}
