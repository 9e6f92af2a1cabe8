// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCounsel/services/counsel"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	var insecureOTLP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, port, insecureOTLP)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	cmd.Flags().BoolVar(&insecureOTLP, "otlp-insecure", true, "Disable TLS to the OTLP collector")
	return cmd
}

// loadConfig reads the layered config and seals the secrets it names.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Secrets, error) {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.LoadSecrets(cfg, os.LookupEnv), nil
}

func runServe(ctx context.Context, opts *rootOptions, port int, insecureOTLP bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := opts.logger
	cfg, secrets, err := loadConfig(ctx, opts.configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	providers, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       insecureOTLP,
	})
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, secrets, opts.configPath, logger)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return err
	}

	handlers := counsel.NewHandlers(a.engine, a.hub, a.registry, a.checks, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           counsel.NewRouter(handlers, cfg.Telemetry.ServiceName, cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting counsel server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			if err := a.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down counsel server")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.Close(); cerr != nil {
		logger.Warn("closing backends", slog.String("error", cerr.Error()))
	}
	if terr := providers.Shutdown(flushCtx); terr != nil {
		logger.Warn("flushing telemetry", slog.String("error", terr.Error()))
	}
	return err
}
