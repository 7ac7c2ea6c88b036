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

package opcontext

import (
	"net/http"

	"github.com/google/uuid"
)

// FromRequest builds an operation context from request headers. A
// caller-supplied client request id becomes the request id, so the
// caller can find the request in service logs under its own id; when
// neither id header is present a fresh uuid is generated so every
// request has a usable reference code.
func FromRequest(r *http.Request, ws Workspace, runtimeName string) *Context {
	oc := &Context{
		ClientRequestID:    r.Header.Get(HeaderClientRequestID),
		Workspace:          ws,
		RuntimeName:        runtimeName,
		InstrumentationKey: r.Header.Get(HeaderInstrumentationKey),
	}
	oc.RequestID = oc.ClientRequestID
	if oc.RequestID == "" {
		oc.RequestID = r.Header.Get(HeaderRequestID)
	}
	if oc.RequestID == "" {
		oc.RequestID = uuid.NewString()
	}
	oc.AppendUserAgent(r.Header.Get(HeaderUserAgent))
	return oc
}

// SetOutbound stamps the operation context onto an outbound request so
// downstream services can correlate calls with the original submission.
func (c *Context) SetOutbound(req *http.Request) {
	req.Header.Set(HeaderRequestID, c.RequestID)
	if c.ClientRequestID != "" {
		req.Header.Set(HeaderClientRequestID, c.ClientRequestID)
	}
	if ua := c.UserAgent(); ua != "" {
		req.Header.Set(HeaderUserAgent, ua)
	}
}
