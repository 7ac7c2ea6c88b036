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

// Package errors defines the runtime error taxonomy.
//
// Every failure surfaced by the service is classified under one of two
// root codes: UserError for failures caused by the submitted request
// (bad flow definition, unknown connection, oversized input data) and
// SystemError for failures of the runtime itself or its downstream
// services. Each error carries a code hierarchy below the root, e.g.
// UserError/ValidationError/InvalidFlowRequest, which is rendered into
// the wire envelope returned to callers and persisted to run history.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Root error codes. Every classified error resolves to exactly one.
const (
	RootUserError   = "UserError"
	RootSystemError = "SystemError"
)

// Common second-level codes.
const (
	CodeValidation         = "ValidationError"
	CodeFlowValidation     = "FlowValidationError"
	CodeInvalidRequest     = "InvalidRequest"
	CodeConnectionNotFound = "ConnectionNotFound"
	CodeInvalidConnection  = "InvalidConnectionType"
	CodeAccessDenied       = "AccessDenied"
	CodeOpenURLNotFound    = "OpenURLNotFoundError"
	CodeDataAcquisition    = "DataAcquisitionError"
	CodeInvalidDataInputs  = "InvalidDataInputs"
	CodeDataInputsNotFound = "DataInputsNotFound"
	CodeInputRowLimit      = "ExceedMaxRowsCount"
	CodeSnapshotDownload   = "SnapshotDownloadError"
	CodeStorageOperation   = "AzureStorageOperationError"
	CodeStorageAuth        = "StorageAuthenticationError"
	CodeRunHistory         = "RunHistoryOperationError"
	CodeWorkerCrashed      = "WorkerProcessCrashed"
	CodeExecutionTimeout   = "ExecutionTimeoutError"
	CodeCancelFailed       = "CancelRunFailed"
	CodeTerminatedByUser   = "RuntimeTerminatedByUser"
	CodeToolExecution      = "ToolExecutionError"
	CodeUnexpected         = "UnexpectedError"
)

// Classified is implemented by errors that carry a code hierarchy.
// The hierarchy lists codes below the root, outermost first.
type Classified interface {
	error

	// Root returns RootUserError or RootSystemError.
	Root() string

	// Hierarchy returns the codes below the root, outermost first.
	// May be empty for a bare root-level error.
	Hierarchy() []string
}

// UserError represents a failure caused by the submitted request.
// User errors are never retried and map to HTTP 400.
type UserError struct {
	// Codes is the hierarchy below UserError, outermost first.
	Codes []string

	// MessageFormat is the message template with {name} placeholders.
	MessageFormat string

	// Parameters holds the placeholder values. Values must not contain
	// secrets; they are persisted verbatim to run history.
	Parameters map[string]string

	// Target optionally names the request field at fault.
	Target string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	return interpolate(e.MessageFormat, e.Parameters)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UserError) Unwrap() error { return e.Cause }

// Root implements Classified.
func (e *UserError) Root() string { return RootUserError }

// Hierarchy implements Classified.
func (e *UserError) Hierarchy() []string { return e.Codes }

// SystemError represents a failure of the runtime or a downstream
// service. System errors map to HTTP 500 and are candidates for retry.
type SystemError struct {
	// Codes is the hierarchy below SystemError, outermost first.
	Codes []string

	// MessageFormat is the message template with {name} placeholders.
	MessageFormat string

	// Parameters holds the placeholder values.
	Parameters map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Stack is the call stack captured at construction. It feeds the
	// envelope debug_info and is never shown in the top-level message.
	Stack string
}

// Error implements the error interface.
func (e *SystemError) Error() string {
	return interpolate(e.MessageFormat, e.Parameters)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SystemError) Unwrap() error { return e.Cause }

// Root implements Classified.
func (e *SystemError) Root() string { return RootSystemError }

// Hierarchy implements Classified.
func (e *SystemError) Hierarchy() []string { return e.Codes }

// NewUserError creates a UserError with the given code hierarchy.
func NewUserError(codes []string, format string, params map[string]string) *UserError {
	return &UserError{
		Codes:         codes,
		MessageFormat: format,
		Parameters:    params,
	}
}

// NewSystemError creates a SystemError with the given code hierarchy
// and captures the current call stack.
func NewSystemError(codes []string, format string, params map[string]string) *SystemError {
	return &SystemError{
		Codes:         codes,
		MessageFormat: format,
		Parameters:    params,
		Stack:         captureStack(2),
	}
}

// WrapUser wraps err as a UserError with the given codes and message.
func WrapUser(err error, codes []string, format string, params map[string]string) *UserError {
	return &UserError{
		Codes:         codes,
		MessageFormat: format,
		Parameters:    params,
		Cause:         err,
	}
}

// WrapSystem wraps err as a SystemError with the given codes and message.
func WrapSystem(err error, codes []string, format string, params map[string]string) *SystemError {
	return &SystemError{
		Codes:         codes,
		MessageFormat: format,
		Parameters:    params,
		Cause:         err,
		Stack:         captureStack(2),
	}
}

// interpolate renders a {name}-style template against params.
// Unknown placeholders are left intact so a bad template still
// produces a usable message.
func interpolate(format string, params map[string]string) string {
	if len(params) == 0 {
		return format
	}
	msg := format
	for k, v := range params {
		msg = strings.ReplaceAll(msg, "{"+k+"}", v)
	}
	return msg
}

// captureStack formats the call stack, skipping the given number of
// frames plus the runtime internals.
func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
