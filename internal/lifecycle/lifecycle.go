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

// Package lifecycle runs the HTTP server under signal supervision:
// SIGINT or SIGTERM drains in-flight work before the listener closes.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptflow/runtime/internal/log"
)

// Drainer stops accepting work and winds down what is in flight. The
// runtime service implements this.
type Drainer interface {
	Shutdown(ctx context.Context)
}

// Server supervises an HTTP server and its drainer.
type Server struct {
	HTTP         *http.Server
	Drain        Drainer
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Run serves until ctx is canceled or a stop signal arrives, then
// drains and shuts the listener down. A server error other than
// graceful closure is returned as-is.
func (s *Server) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "lifecycle")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		err := s.HTTP.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	logger.Info("listening", log.String("addr", s.HTTP.Addr))

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	// Stop converting further signals so a second one kills the process.
	stop()
	logger.Info("stop signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), s.DrainTimeout)
	defer cancel()
	if s.Drain != nil {
		s.Drain.Shutdown(drainCtx)
	}
	if err := s.HTTP.Shutdown(drainCtx); err != nil {
		logger.Warn("listener shutdown incomplete", log.Error(err))
	}
	return <-serveErr
}
