package httpclient

import (
	"context"
	"fmt"
	"time"
)

// TokenSource supplies the bearer token for one request attempt. The
// retry layer invokes it again before every attempt, so implementations
// backed by a caching provider transparently refresh credentials that
// expired while the call was backing off.
type TokenSource func(ctx context.Context) (string, error)

// Config shapes a client's deadline, retry, and identity behavior.
type Config struct {
	// Timeout bounds one call end to end, retries included.
	Timeout time.Duration

	// RetryAttempts is how many times a failed attempt is repeated.
	// Zero disables retry.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; later retries
	// double it.
	RetryBackoff time.Duration

	// MaxBackoff caps the per-retry delay.
	MaxBackoff time.Duration

	// UserAgent identifies the runtime to downstream services.
	UserAgent string

	// AllowNonIdempotentRetry extends retry to POST/PUT/PATCH/DELETE.
	// Safe only when the operation is keyed so a replay cannot apply
	// twice.
	AllowNonIdempotentRetry bool

	// Tokens, when set, authenticates every attempt with a fresh
	// bearer token.
	Tokens TokenSource
}

// DefaultConfig is the control-plane call discipline: a 10 second
// deadline and three retries for system-class failures.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		UserAgent:     "promptflow-runtime/1.0",
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be positive when retries are enabled, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff %v is below retry_backoff %v", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
