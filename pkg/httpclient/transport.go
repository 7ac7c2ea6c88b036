package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/promptflow/runtime/internal/opcontext"
)

// headerTransport stamps the outgoing request with the runtime's
// user agent and the operation-context correlation headers, and logs
// the call with its credential-bearing query parameters masked.
type headerTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if oc, ok := opcontext.From(req.Context()); ok {
		req.Header.Set(opcontext.HeaderRequestID, oc.RequestID)
		if oc.ClientRequestID != "" {
			req.Header.Set(opcontext.HeaderClientRequestID, oc.ClientRequestID)
		}
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	logURL := redactURL(req.URL)
	if err != nil {
		slog.Warn("http request failed",
			"method", req.Method,
			"url", logURL,
			"duration_ms", elapsed,
			"error", err.Error())
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request",
		"method", req.Method,
		"url", logURL,
		"status", resp.StatusCode,
		"duration_ms", elapsed)
	return resp, nil
}
