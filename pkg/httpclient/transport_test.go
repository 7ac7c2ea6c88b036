package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptflow/runtime/internal/opcontext"
)

func TestHeaderTransportStampsCorrelation(t *testing.T) {
	var reqID, clientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID = r.Header.Get(opcontext.HeaderRequestID)
		clientID = r.Header.Get(opcontext.HeaderClientRequestID)
	}))
	defer srv.Close()

	client, err := New(DefaultConfig())
	require.NoError(t, err)

	oc := opcontext.New()
	oc.RequestID = "req-42"
	oc.ClientRequestID = "client-42"
	ctx := opcontext.Into(context.Background(), oc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", reqID)
	assert.Equal(t, "client-42", clientID)
}

func TestHeaderTransportKeepsCallerUserAgent(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client, err := New(DefaultConfig())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "caller/1.0")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "caller/1.0", agent)
}

func TestHeaderTransportNoContextNoHeaders(t *testing.T) {
	var reqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID = r.Header.Get(opcontext.HeaderRequestID)
	}))
	defer srv.Close()

	client, err := New(DefaultConfig())
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, reqID)
}
