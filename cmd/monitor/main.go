// Copyright (c) 2026 John Earle
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

// InboxPulse Monitor
//
// Entry point for the multi-account mailbox monitor. It:
//  1. Loads account configuration from config.yaml
//  2. Builds a per-account OAuth client and verifies each token
//  3. Opens the cursor store (Postgres when configured, files otherwise)
//  4. Starts the Pub/Sub push endpoint, then registers mailbox watches
//  5. Runs watch renewal and a periodic reconcile sweep
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/inboxpulse/monitor/internal/auth"
	"github.com/inboxpulse/monitor/internal/config"
	"github.com/inboxpulse/monitor/internal/cursor"
	"github.com/inboxpulse/monitor/internal/dedup"
	"github.com/inboxpulse/monitor/internal/dispatch"
	"github.com/inboxpulse/monitor/internal/gmail"
	"github.com/inboxpulse/monitor/internal/reconcile"
	"github.com/inboxpulse/monitor/internal/registry"
	"github.com/inboxpulse/monitor/internal/sink"
	"github.com/inboxpulse/monitor/internal/watch"
	"github.com/inboxpulse/monitor/internal/webhook"
)

func main() {
	// Structured JSON logging
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting InboxPulse monitor")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Topic == "" {
		slog.Error("a Pub/Sub topic is required for mailbox watches")
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"accounts", len(cfg.Accounts),
		"reconcile_interval", cfg.ReconcileInterval,
		"watch_renew_buffer", cfg.WatchRenewBuffer,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg.Accounts)

	// --- OAuth clients, one per account ---
	provider := auth.NewProvider(cfg.ClientID, cfg.ClientSecret)
	clients := make(map[string]*http.Client)
	for _, acct := range reg.All() {
		if _, err := provider.EnsureValid(ctx, acct); err != nil {
			slog.Error("token check failed, skipping account",
				"account", acct.Address,
				"error", err,
			)
			continue
		}
		clients[strings.ToLower(acct.Address)] = provider.Client(ctx, acct)
		slog.Info("account authorized", "account", acct.Address)
	}
	if len(clients) == 0 {
		slog.Error("no account has a usable token")
		os.Exit(1)
	}

	// --- Cursor Store ---
	var (
		store  cursor.Store
		pgPool *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		store, err = cursor.NewPGStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise cursor store", "error", err)
			os.Exit(1)
		}
		slog.Info("cursor store: PostgreSQL")
	} else {
		store, err = cursor.NewFileStore(cfg.CursorDir)
		if err != nil {
			slog.Error("failed to initialise cursor store", "error", err)
			os.Exit(1)
		}
		slog.Info("cursor store: files", "dir", cfg.CursorDir)
	}

	// --- Sinks ---
	var (
		sinks     sink.Multi
		redisSink *sink.RedisSink
	)
	sinks = append(sinks, sink.NewWriterSink(os.Stdout))
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		redisSink = sink.NewRedisSink(rdb, cfg.RedisQueue)
		if err := redisSink.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, redisSink)
		slog.Info("connected to Redis", "queue", cfg.RedisQueue)
	}

	// --- Dispatcher ---
	dispatcher := dispatch.New(dispatch.Config{
		Registry:    reg,
		Clients:     clients,
		Resolver:    gmail.NewResolver(gmail.DefaultBaseURL),
		Fetcher:     gmail.NewFetcher(gmail.DefaultBaseURL),
		Store:       store,
		Seen:        dedup.NewSeenSet(cfg.SeenCapacity),
		Sink:        sinks,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})

	// --- Phase 1: push endpoint up BEFORE watches are registered ---
	// A watch can publish a notification the moment it exists.
	handler := webhook.NewHandler(dispatcher, cfg.PushToken)
	ready, err := webhook.Serve(ctx, cfg.PushPort, handler)
	if err != nil {
		slog.Error("failed to start push server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("push endpoint ready, registering watches")

	// --- Phase 2: watch manager ---
	watchMgr := watch.NewManager(watch.ManagerConfig{
		Registry:    reg,
		Clients:     clients,
		BaseURL:     gmail.DefaultBaseURL,
		Topic:       cfg.Topic,
		RenewBuffer: cfg.WatchRenewBuffer,
	})
	watchMgr.OnWatchEstablished = func(ctx context.Context, acct *registry.Account) {
		if err := dispatcher.SyncAccount(ctx, acct); err != nil {
			slog.Warn("post-watch sync failed",
				"account", acct.Address,
				"error", err,
			)
		}
	}
	if err := watchMgr.Start(ctx); err != nil {
		slog.Error("failed to start watch manager", "error", err)
		os.Exit(1)
	}

	// --- Phase 3: reconcile sweep for dropped deliveries ---
	reconciler := reconcile.New(reg, dispatcher, cfg.ReconcileInterval)
	reconciler.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if redisSink != nil {
			if err := redisSink.Ping(r.Context()); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		if pgPool != nil {
			if err := pgPool.Ping(r.Context()); err != nil {
				http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		watchMgr.Stop()
		reconciler.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("monitor listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("monitor stopped")
}
