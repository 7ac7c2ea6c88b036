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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequestAppearsInExposition(t *testing.T) {
	m := New()
	m.ObserveRequest("/submit_flow", http.MethodPost, http.StatusOK, 120*time.Millisecond)
	m.SetActiveRuns(2)
	m.RecordSubmission("bulk_run", "accepted")
	m.RecordCancel("requested")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `pfruntime_http_requests_total{code="200",method="POST",route="/submit_flow"} 1`)
	assert.Contains(t, body, "pfruntime_active_runs 2")
	assert.Contains(t, body, `pfruntime_submissions_total{mode="bulk_run",outcome="accepted"} 1`)
	assert.Contains(t, body, `pfruntime_cancels_total{outcome="requested"} 1`)
}

func TestIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordCancel("requested")

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), `pfruntime_cancels_total{outcome="requested"} 1`)
}
