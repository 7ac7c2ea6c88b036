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

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	drained atomic.Bool
}

func (f *fakeDrainer) Shutdown(ctx context.Context) {
	f.drained.Store(true)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunDrainsOnContextCancel(t *testing.T) {
	drainer := &fakeDrainer{}
	srv := &Server{
		HTTP: &http.Server{
			Addr:    freeAddr(t),
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		},
		Drain:        drainer,
		DrainTimeout: 2 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Wait until the listener answers before stopping.
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/", srv.HTTP.Addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	assert.True(t, drainer.drained.Load())
}

func TestRunReturnsListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	srv := &Server{
		HTTP:         &http.Server{Addr: l.Addr().String()},
		DrainTimeout: time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	require.Error(t, srv.Run(context.Background()))
}

func TestPIDFileCreateReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.Create(os.Getpid()))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// A second instance must not claim the same file.
	require.ErrorIs(t, NewPIDFile(path).Create(os.Getpid()), ErrPIDFileExists)

	require.NoError(t, pf.Remove())
	_, err = pf.Read()
	require.Error(t, err)
}

func TestPIDFileReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))

	_, err := NewPIDFile(path).Read()
	require.ErrorIs(t, err, ErrInvalidPID)
}
