package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps test backoff negligible.
func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client, err := New(fastRetryConfig())
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryUserErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(fastRetryConfig())
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	// The request is at fault; repeating it cannot change the outcome.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesExhaustedReturnsLastResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastRetryConfig()
	cfg.RetryAttempts = 2
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReauthenticatesPerAttempt(t *testing.T) {
	var issued atomic.Int32
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// The first token has expired by the time it arrives.
		if r.Header.Get("Authorization") == "Bearer tok-0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := fastRetryConfig()
	cfg.Tokens = func(ctx context.Context) (string, error) {
		return fmt.Sprintf("tok-%d", issued.Add(1)-1), nil
	}
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), issued.Load())
}

func TestRespectsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client, err := New(fastRetryConfig())
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoRetryForWritesByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(fastRetryConfig())
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), calls.Load())
}

func TestWriteRetryReplaysBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"run_id":"r1"}`, string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := fastRetryConfig()
	cfg.AllowNonIdempotentRetry = true
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "application/json",
		strings.NewReader(`{"run_id":"r1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCanceledContextStopsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastRetryConfig()
	cfg.RetryBackoff = time.Second
	cfg.MaxBackoff = 2 * time.Second
	client, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryableStatusClassification(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504, 408, 429, 401} {
		assert.True(t, retryableStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 201, 301, 400, 403, 404, 409, 422} {
		assert.False(t, retryableStatus(status), "status %d", status)
	}
}

func TestTransientNetErrorClassification(t *testing.T) {
	assert.False(t, transientNetError(context.Canceled))
	assert.False(t, transientNetError(context.DeadlineExceeded))
	assert.True(t, transientNetError(io.EOF))
	assert.True(t, transientNetError(io.ErrUnexpectedEOF))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rt := &retryTransport{
		backoff:    10 * time.Millisecond,
		maxBackoff: 40 * time.Millisecond,
	}
	first := rt.delay(1, nil)
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	// The cap plus jitter bounds every later delay.
	for attempt := 2; attempt <= 6; attempt++ {
		assert.LessOrEqual(t, rt.delay(attempt, nil), 50*time.Millisecond)
	}
}
