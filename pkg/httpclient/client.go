package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// New builds a client from cfg. The transport stack is, outermost
// first: retry (with per-attempt authentication), then header stamping
// and logging, then a pooled TLS 1.2+ transport.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pooled := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = &headerTransport{
		next:      pooled,
		userAgent: cfg.UserAgent,
	}
	if cfg.RetryAttempts > 0 || cfg.Tokens != nil {
		rt = &retryTransport{
			next:        rt,
			attempts:    cfg.RetryAttempts,
			backoff:     cfg.RetryBackoff,
			maxBackoff:  cfg.MaxBackoff,
			retryWrites: cfg.AllowNonIdempotentRetry,
			tokens:      cfg.Tokens,
		}
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}
