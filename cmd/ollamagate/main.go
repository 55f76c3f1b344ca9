// ollamagate - streaming inference gateway for Ollama backends.
//
// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ollamagate/ollamagate/internal/config"
	"github.com/ollamagate/ollamagate/internal/ollama"
	"github.com/ollamagate/ollamagate/internal/ratelimit"
	"github.com/ollamagate/ollamagate/internal/server"
	"github.com/ollamagate/ollamagate/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ollamagate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to config file (default: user config dir)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("ollamagate", server.Version)
		return nil
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := config.BuildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := seedDefaultServer(logger, st, cfg.Backend.DefaultURL); err != nil {
		return fmt.Errorf("seed default server: %w", err)
	}

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
		Timeout:      cfg.Backend.RequestTimeout.Std(),
		ProbeTimeout: cfg.Backend.ProbeTimeout.Std(),
	})

	limits := ratelimit.NewStore(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())
	defer limits.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(*cfg, st, client, limits, logger)

	// Rate limit changes take effect without a restart. Other settings
	// still need one, which Watch logs when it sees them change.
	go func() {
		err := config.Watch(ctx, path, logger, func(next *config.Config) {
			srv.SetRateLimits(next.RateLimit.MaxRequests, next.RateLimit.Window())
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	logger.Info("starting gateway",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("database", cfg.Database.Path),
		zap.String("version", server.Version))

	return srv.Start(ctx)
}

// seedDefaultServer registers the configured backend when the registry is
// empty so a fresh install has somewhere to send requests.
func seedDefaultServer(logger *zap.Logger, st *store.Store, defaultURL string) error {
	if defaultURL == "" {
		return nil
	}
	servers, err := st.ListServers(context.Background())
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		return nil
	}
	srv, err := st.CreateServer(context.Background(), "Local", defaultURL)
	if err != nil {
		return err
	}
	logger.Info("registered default backend",
		zap.String("id", srv.ID), zap.String("url", srv.BaseURL))
	return nil
}
