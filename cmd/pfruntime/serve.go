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

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptflow/runtime/internal/api"
	"github.com/promptflow/runtime/internal/azure"
	"github.com/promptflow/runtime/internal/config"
	"github.com/promptflow/runtime/internal/lifecycle"
	"github.com/promptflow/runtime/internal/log"
	"github.com/promptflow/runtime/internal/metrics"
	"github.com/promptflow/runtime/internal/runtime"
	"github.com/promptflow/runtime/internal/storage"
	"github.com/promptflow/runtime/internal/tracing"
	"github.com/promptflow/runtime/internal/worker"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		pidPath    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flow submissions over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, configPath, pidPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVar(&pidPath, "pid-file", "", "Path to a PID file guarding single-instance operation")
	return cmd
}

func serve(cmd *cobra.Command, configPath, pidPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Logging.Level,
		Format: log.Format(cfg.Logging.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	// Credentials go into the scrub list before anything can log them.
	log.RegisterSecrets(cfg.Identity.ClientSecret)

	attrs := make([]any, 0, 16)
	for k, v := range cfg.LogSafe() {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Info("starting pfruntime", attrs...)

	if pidPath != "" {
		pidFile := lifecycle.NewPIDFile(pidPath)
		if err := pidFile.Create(os.Getpid()); err != nil {
			return fmt.Errorf("claim PID file: %w", err)
		}
		defer pidFile.Remove()
	}

	ctx := cmd.Context()
	traceShutdown, err := tracing.Setup(ctx, cfg.Tracing, cfg.App.Name, version)
	if err != nil {
		return err
	}
	defer traceShutdown(ctx)

	var blobs *azure.BlobClient
	if cfg.Storage.Kind != "dummy" {
		tokens := azure.NewCachingTokenProvider(azure.NewClientCredentialsProvider(
			cfg.Identity.TokenURL, cfg.Identity.ClientID, cfg.Identity.ClientSecret, cfg.Identity.Scope))
		blobs, err = azure.NewBlobClient(cfg.Storage.Account, cfg.Storage.BlobEndpoint, tokens)
		if err != nil {
			return err
		}
	}
	store, err := storage.NewFactory(cfg.Storage, blobs)
	if err != nil {
		return err
	}

	opts, err := runtime.NewFromWorkspace(cfg, logger)
	if err != nil {
		return err
	}

	spawner, err := worker.NewSpawner("", "", logger)
	if err != nil {
		return err
	}

	svc := runtime.New(cfg, store, spawner, logger, opts)
	svc.StartReaper(ctx)

	m := metrics.New()
	meterShutdown, err := tracing.SetupMeter(m.Registry(), cfg.App.Name, version)
	if err != nil {
		return err
	}
	defer meterShutdown(ctx)

	router := api.NewRouter(api.RouterConfig{
		Name:      cfg.App.Name,
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		Workspace: opts.Workspace,
	}, svc, m, cfg.RateLimit, logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(next *config.Config) {
			router.UpdateRateLimit(next.RateLimit)
		})
		if err != nil {
			return err
		}
		watcher.Start(ctx)
	}

	srv := &lifecycle.Server{
		HTTP: &http.Server{
			Addr:              cfg.App.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Drain:        svc,
		DrainTimeout: cfg.App.DrainTimeout,
		Logger:       logger,
	}
	return srv.Run(ctx)
}
