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

// Package opcontext carries per-request operation context: request
// identifiers, the workspace the request targets, and the aggregated
// user agent. The context travels with the request through the service
// and is serialized into the work packet handed to execution workers,
// so a log line or outbound call on either side of the process
// boundary can be correlated with the original submission.
package opcontext

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header names recognized by FromRequest.
const (
	HeaderRequestID          = "x-ms-request-id"
	HeaderClientRequestID    = "x-ms-client-request-id"
	HeaderUserAgent          = "User-Agent"
	HeaderInstrumentationKey = "app-insights-instrumentation-key"
)

// Workspace identifies the target workspace of a submission.
type Workspace struct {
	SubscriptionID string `json:"subscription_id"`
	ResourceGroup  string `json:"resource_group"`
	Name           string `json:"workspace_name"`
}

// IsZero reports whether no workspace has been set.
func (w Workspace) IsZero() bool {
	return w.SubscriptionID == "" && w.ResourceGroup == "" && w.Name == ""
}

// Context is the per-request operation context. It is immutable after
// construction except for user-agent aggregation.
type Context struct {
	// RequestID identifies this request in service logs and is echoed
	// back to the caller as the error reference code.
	RequestID string `json:"request_id"`

	// ClientRequestID is the caller-supplied correlation id, if any.
	ClientRequestID string `json:"client_request_id,omitempty"`

	// Workspace is the target workspace.
	Workspace Workspace `json:"workspace"`

	// UserAgents collects every user agent seen on the request path,
	// outermost first, deduplicated.
	UserAgents []string `json:"user_agents,omitempty"`

	// InstrumentationKey is a caller-supplied per-request telemetry
	// sink key. It is a credential: register it with the log scrubber
	// before any record can carry it.
	InstrumentationKey string `json:"instrumentation_key,omitempty"`

	// RuntimeName identifies this runtime instance.
	RuntimeName string `json:"runtime_name,omitempty"`
}

// New creates an operation context with a fresh request id.
func New() *Context {
	return &Context{RequestID: uuid.NewString()}
}

// AppendUserAgent records an additional user agent, skipping blanks
// and duplicates.
func (c *Context) AppendUserAgent(ua string) {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return
	}
	for _, existing := range c.UserAgents {
		if existing == ua {
			return
		}
	}
	c.UserAgents = append(c.UserAgents, ua)
}

// UserAgent renders the aggregated user agent string.
func (c *Context) UserAgent() string {
	return strings.Join(c.UserAgents, " ")
}

type ctxKey struct{}

// Into attaches the operation context to ctx.
func Into(ctx context.Context, oc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, oc)
}

// From returns the operation context attached to ctx, or a fresh one
// if none is attached. The second return reports whether the context
// was already present.
func From(ctx context.Context) (*Context, bool) {
	if oc, ok := ctx.Value(ctxKey{}).(*Context); ok {
		return oc, true
	}
	return New(), false
}
