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

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DebugInfo carries diagnostic detail for system errors. It is omitted
// for user errors so that customer content never leaks into service
// telemetry.
type DebugInfo struct {
	Type           string     `json:"type"`
	Message        string     `json:"message"`
	StackTrace     string     `json:"stackTrace,omitempty"`
	InnerException *DebugInfo `json:"innerException,omitempty"`
}

// Envelope is the wire representation of a classified error. It is
// returned in HTTP error responses and persisted to run history.
type Envelope struct {
	Code               string            `json:"code"`
	InnermostErrorCode string            `json:"innermost_error_code"`
	ErrorCodeHierarchy string            `json:"error_code_hierarchy"`
	Message            string            `json:"message"`
	MessageFormat      string            `json:"message_format,omitempty"`
	MessageParameters  map[string]string `json:"message_parameters,omitempty"`
	ReferenceCode      string            `json:"reference_code,omitempty"`
	DebugInfo          *DebugInfo        `json:"debug_info,omitempty"`
}

// Envelop renders err into its wire envelope. The reference code
// correlates the response with service logs and should come from the
// operation context. Unclassified errors are wrapped as
// SystemError/UnexpectedError.
func Envelop(err error, referenceCode string) *Envelope {
	if err == nil {
		return nil
	}
	var c Classified
	if !errors.As(err, &c) {
		c = WrapSystem(err, []string{CodeUnexpected}, err.Error(), nil)
	}

	hierarchy := append([]string{c.Root()}, c.Hierarchy()...)
	env := Envelope{
		Code:               c.Root(),
		InnermostErrorCode: hierarchy[len(hierarchy)-1],
		ErrorCodeHierarchy: strings.Join(hierarchy, "/"),
		Message:            c.Error(),
		ReferenceCode:      referenceCode,
	}

	switch e := c.(type) {
	case *UserError:
		env.MessageFormat = e.MessageFormat
		env.MessageParameters = e.Parameters
	case *SystemError:
		env.MessageFormat = e.MessageFormat
		env.MessageParameters = e.Parameters
		env.DebugInfo = debugInfoFor(e)
	}

	return &env
}

// FromEnvelope reconstructs a classified error from its wire form,
// used when a worker reports a failure across the process boundary.
func FromEnvelope(env *Envelope) error {
	if env == nil {
		return nil
	}
	codes := strings.Split(env.ErrorCodeHierarchy, "/")
	if len(codes) > 1 {
		codes = codes[1:]
	}
	format := env.MessageFormat
	if format == "" {
		format = env.Message
	}
	if env.Code == RootUserError {
		return NewUserError(codes, format, env.MessageParameters)
	}
	return NewSystemError(codes, format, env.MessageParameters)
}

// HTTPStatus maps err to the response status. User errors are 4xx:
// 403 when access was denied, 404 when an upstream resource does not
// exist, 400 otherwise. Everything else is 500.
func HTTPStatus(err error) int {
	var c Classified
	if !errors.As(err, &c) || c.Root() != RootUserError {
		return http.StatusInternalServerError
	}
	for _, code := range c.Hierarchy() {
		switch code {
		case CodeAccessDenied:
			return http.StatusForbidden
		case CodeOpenURLNotFound, CodeConnectionNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusBadRequest
}

// debugInfoFor builds the debug_info chain for a system error,
// following wrapped causes.
func debugInfoFor(e *SystemError) *DebugInfo {
	info := &DebugInfo{
		Type:       innermostCode(e),
		Message:    e.Error(),
		StackTrace: e.Stack,
	}
	if e.Cause != nil {
		info.InnerException = &DebugInfo{
			Type:    fmt.Sprintf("%T", e.Cause),
			Message: e.Cause.Error(),
		}
	}
	return info
}

func innermostCode(c Classified) string {
	h := c.Hierarchy()
	if len(h) == 0 {
		return c.Root()
	}
	return h[len(h)-1]
}
