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

package errors

import "fmt"

// InvalidRequest creates a user error for a malformed submission.
func InvalidRequest(format string, args ...any) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeInvalidRequest},
		fmt.Sprintf(format, args...), nil)
}

// FlowValidation creates a user error for an invalid flow definition.
func FlowValidation(format string, args ...any) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeFlowValidation},
		fmt.Sprintf(format, args...), nil)
}

// ConnectionNotFound creates a user error for a connection name the
// workspace does not contain.
func ConnectionNotFound(name string) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeConnectionNotFound},
		"Connection {connection_name} not found in the workspace.",
		map[string]string{"connection_name": name})
}

// InvalidConnectionType creates a user error for a connection whose
// category does not match what the flow node expects.
func InvalidConnectionType(name, category string) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeInvalidConnection},
		"Connection {connection_name} has unsupported category {category}.",
		map[string]string{"connection_name": name, "category": category})
}

// AccessDenied creates a user error for a control-plane call rejected
// with 403. Only the caller can grant the missing role assignment.
func AccessDenied(resource string) *UserError {
	return NewUserError(
		[]string{CodeAccessDenied},
		"Access to {resource} was denied. Grant the identity access to the workspace and retry.",
		map[string]string{"resource": resource})
}

// OpenURLNotFound creates a user error for a control-plane resource
// that does not exist.
func OpenURLNotFound(url string) *UserError {
	return NewUserError(
		[]string{CodeOpenURLNotFound},
		"The requested resource {url} was not found.",
		map[string]string{"url": url})
}

// InvalidDataInputs creates a user error for a data input reference
// that cannot be resolved.
func InvalidDataInputs(format string, args ...any) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeInvalidDataInputs},
		fmt.Sprintf(format, args...), nil)
}

// DataInputsNotFound creates a user error for a batch submission that
// carries no input data.
func DataInputsNotFound() *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeDataInputsNotFound},
		"The batch run must have data inputs, but none were provided.", nil)
}

// ExceedMaxRowsCount creates a user error for input data beyond the
// row cap.
func ExceedMaxRowsCount(got, limit int) *UserError {
	return NewUserError(
		[]string{CodeValidation, CodeInputRowLimit},
		"Input data exceeds the maximum of {max_rows} rows, got {actual_rows}.",
		map[string]string{
			"max_rows":    fmt.Sprintf("%d", limit),
			"actual_rows": fmt.Sprintf("%d", got),
		})
}

// DataAcquisition wraps a failure to fetch or parse input data.
func DataAcquisition(err error, source string) *SystemError {
	return WrapSystem(err,
		[]string{CodeDataAcquisition},
		"Failed to acquire input data from {source}.",
		map[string]string{"source": source})
}

// SnapshotDownload wraps a snapshot acquisition failure.
func SnapshotDownload(err error, snapshotID string) *SystemError {
	return WrapSystem(err,
		[]string{CodeSnapshotDownload},
		"Failed to download snapshot {snapshot_id}.",
		map[string]string{"snapshot_id": snapshotID})
}

// StorageOperation wraps a blob or table storage failure.
func StorageOperation(err error, operation string) *SystemError {
	return WrapSystem(err,
		[]string{CodeStorageOperation},
		"Storage operation {operation} failed.",
		map[string]string{"operation": operation})
}

// StorageAuthentication creates a user error for a storage auth
// failure: the workspace identity lacks data-plane access, which only
// the caller can fix.
func StorageAuthentication(err error, account string) *UserError {
	return WrapUser(err,
		[]string{CodeStorageAuth},
		"Failed to authenticate to storage account {account}. Grant the workspace identity Storage Blob Data Contributor and retry.",
		map[string]string{"account": account})
}

// RunHistoryOperation wraps a tracking-service failure.
func RunHistoryOperation(err error, operation string) *SystemError {
	return WrapSystem(err,
		[]string{CodeRunHistory},
		"Run history operation {operation} failed.",
		map[string]string{"operation": operation})
}

// WorkerCrashed creates a system error for a worker process that died
// without reporting a result.
func WorkerCrashed(runID string, exitCode int) *SystemError {
	return NewSystemError(
		[]string{CodeWorkerCrashed},
		"Execution worker for run {run_id} exited with code {exit_code} without reporting a result.",
		map[string]string{
			"run_id":    runID,
			"exit_code": fmt.Sprintf("%d", exitCode),
		})
}

// ExecutionTimeout creates a user error for a submission that exceeded
// its deadline. Timeouts are user errors: the flow, not the runtime,
// determines how long execution takes.
func ExecutionTimeout(runID string, seconds int) *UserError {
	return NewUserError(
		[]string{CodeExecutionTimeout},
		"Run {run_id} did not complete within {timeout_seconds} seconds.",
		map[string]string{
			"run_id":          runID,
			"timeout_seconds": fmt.Sprintf("%d", seconds),
		})
}

// TerminatedByUser creates a user error recorded on runs interrupted
// by a runtime shutdown.
func TerminatedByUser(runID string) *UserError {
	return NewUserError(
		[]string{CodeTerminatedByUser},
		"Run {run_id} was terminated because the runtime received a stop signal.",
		map[string]string{"run_id": runID})
}

// Unexpected wraps an unclassified failure as a system error.
func Unexpected(err error) *SystemError {
	if err == nil {
		return nil
	}
	return WrapSystem(err, []string{CodeUnexpected}, err.Error(), nil)
}
