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

package log

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Replacement is substituted for every scrubbed secret.
const Replacement = "**data_scrubbed**"

// defaultPatterns match secrets that appear without prior registration:
// SAS signatures and storage account keys embedded in URLs or
// connection strings.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sig=[^&\s"']+`),
	regexp.MustCompile(`(?i)accountkey=[^;\s"']+`),
}

// Scrubber removes registered secret values from strings. The process
// keeps a single instance: a secret resolved for any run must never
// appear in any log line, whichever component emits it.
type Scrubber struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

// NewScrubber creates an empty scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{secrets: make(map[string]struct{})}
}

// Register adds secret values to the scrub list. Empty and very short
// values are ignored: replacing one- or two-character substrings would
// mangle ordinary log text.
func (s *Scrubber) Register(values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if len(v) < 3 {
			continue
		}
		s.secrets[v] = struct{}{}
	}
}

// Clear drops all registered secrets.
func (s *Scrubber) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]struct{})
}

// Scrub replaces every registered secret and default-pattern match in
// the input with the replacement marker.
func (s *Scrubber) Scrub(in string) string {
	s.mu.RLock()
	for secret := range s.secrets {
		in = strings.ReplaceAll(in, secret, Replacement)
	}
	s.mu.RUnlock()
	for _, p := range defaultPatterns {
		in = p.ReplaceAllString(in, Replacement)
	}
	return in
}

var processScrubber = NewScrubber()

// RegisterSecrets adds values to the process-wide scrub list. Called
// by the connection resolver before any resolved secret is handed to
// an execution worker.
func RegisterSecrets(values ...string) {
	processScrubber.Register(values...)
}

// ScrubString applies the process-wide scrubber to a string. Use this
// for values that bypass slog, e.g. error envelopes persisted to run
// history.
func ScrubString(in string) string {
	return processScrubber.Scrub(in)
}

// ScrubbingHandler wraps a slog.Handler and scrubs secrets from the
// message and every string attribute before the record is emitted.
type ScrubbingHandler struct {
	inner    slog.Handler
	scrubber *Scrubber
}

// NewScrubbingHandler wraps inner with the process-wide scrubber.
func NewScrubbingHandler(inner slog.Handler) *ScrubbingHandler {
	return &ScrubbingHandler{inner: inner, scrubber: processScrubber}
}

// Enabled implements slog.Handler.
func (h *ScrubbingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ScrubbingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, h.scrubber.Scrub(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.scrubAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *ScrubbingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrubAttr(a)
	}
	return &ScrubbingHandler{inner: h.inner.WithAttrs(scrubbed), scrubber: h.scrubber}
}

// WithGroup implements slog.Handler.
func (h *ScrubbingHandler) WithGroup(name string) slog.Handler {
	return &ScrubbingHandler{inner: h.inner.WithGroup(name), scrubber: h.scrubber}
}

func (h *ScrubbingHandler) scrubAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.scrubber.Scrub(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, g := range group {
			scrubbed = append(scrubbed, h.scrubAttr(g))
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, h.scrubber.Scrub(err.Error()))
		}
		return a
	default:
		return a
	}
}
