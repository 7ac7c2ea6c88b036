// Package httpclient builds the http.Client used for every outbound
// control-plane and storage call: run history, artifact and asset
// registration, blob and file-share downloads, and workspace
// connection resolution.
//
// Calls follow one discipline:
//
//   - a 10 second per-call deadline by default
//   - bounded retry with exponential backoff, applied only to failures
//     of the system or authentication class (HTTP 5xx, 408, 429, 401,
//     and transient network faults); other 4xx responses mean the
//     request itself is at fault and are returned immediately
//   - a fresh bearer token per attempt when a TokenSource is
//     configured, so a token that expired during backoff never fails
//     the retried call
//   - request logging with credential-bearing query parameters
//     (SAS signatures, keys, tokens) masked
//
// Only GET, HEAD, and OPTIONS retry by default. Clients whose writes
// are keyed by run id set AllowNonIdempotentRetry, which makes a
// replayed POST harmless.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Tokens = provider.Token
//	client, err := httpclient.New(cfg)
package httpclient
