package httpclient

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// retryTransport repeats failed attempts for system- and
// authentication-class failures. User-class rejections (4xx other than
// 401/408/429) return immediately: they will fail the same way on
// every attempt.
type retryTransport struct {
	next        http.RoundTripper
	attempts    int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryWrites bool
	tokens      TokenSource
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tries := t.attempts + 1
	if !idempotent(req.Method) && !t.retryWrites {
		tries = 1
	}
	if req.Body != nil && req.GetBody == nil {
		// The body cannot be replayed.
		tries = 1
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			if resp != nil {
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
			}
			select {
			case <-time.After(t.delay(attempt, resp)):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		var attemptReq *http.Request
		attemptReq, err = t.prepare(req)
		if err != nil {
			return nil, err
		}
		resp, err = t.next.RoundTrip(attemptReq)
		if err != nil {
			resp = nil
			if !transientNetError(err) {
				return nil, err
			}
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	return resp, err
}

// prepare clones the request for one attempt: the body is rewound and,
// when a token source is configured, the bearer token re-acquired.
func (t *retryTransport) prepare(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	if t.tokens != nil {
		token, err := t.tokens(req.Context())
		if err != nil {
			return nil, err
		}
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out, nil
}

// delay computes the pause before the given retry. A Retry-After
// header from the previous response wins when present.
func (t *retryTransport) delay(attempt int, last *http.Response) time.Duration {
	if last != nil {
		if after := retryAfter(last); after > 0 {
			return min(after, t.maxBackoff)
		}
	}
	d := t.backoff << (attempt - 1)
	if d <= 0 || d > t.maxBackoff {
		d = t.maxBackoff
	}
	// Up to 25% jitter keeps concurrent retries from aligning.
	return d + rand.N(d/4+1)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryableStatus selects the system and authentication classes: 5xx,
// request timeout, throttling, and expired credentials.
func retryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized:
		return true
	}
	return false
}

// transientNetError reports whether a transport error is worth
// repeating. Context cancellation never is.
func transientNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// retryAfter reads a Retry-After header, in either delta-seconds or
// HTTP-date form.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
