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

// InboxPulse Resync Command
//
// Standalone CLI tool that runs one sync sweep over the configured
// accounts without waiting for push notifications. Useful after an
// outage, or with --stop-watch to deregister push notifications when
// decommissioning a deployment.
//
// Usage:
//
//	go run ./cmd/resync/ [--account work@gmail.com] [--stop-watch]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

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
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	accountFlag := flag.String("account", "", "Sync only this address (default: all configured accounts)")
	stopWatchFlag := flag.Bool("stop-watch", false, "Deregister the push watch for every account instead of syncing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	accounts := cfg.Accounts
	if *accountFlag != "" {
		accounts = nil
		for _, a := range cfg.Accounts {
			if strings.EqualFold(a.Address, *accountFlag) {
				accounts = append(accounts, a)
			}
		}
		if len(accounts) == 0 {
			fmt.Fprintf(os.Stderr, "Error: account %q is not configured\n", *accountFlag)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	reg := registry.New(accounts)

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
	}
	if len(clients) == 0 {
		slog.Error("no account has a usable token")
		os.Exit(1)
	}

	if *stopWatchFlag {
		mgr := watch.NewManager(watch.ManagerConfig{
			Registry: reg,
			Clients:  clients,
			BaseURL:  gmail.DefaultBaseURL,
			Topic:    cfg.Topic,
		})
		mgr.StopAll(ctx)
		return
	}

	var store cursor.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store, err = cursor.NewPGStore(ctx, pool)
		if err != nil {
			slog.Error("failed to initialise cursor store", "error", err)
			os.Exit(1)
		}
	} else {
		store, err = cursor.NewFileStore(cfg.CursorDir)
		if err != nil {
			slog.Error("failed to initialise cursor store", "error", err)
			os.Exit(1)
		}
	}

	var sinks sink.Multi
	sinks = append(sinks, sink.NewWriterSink(os.Stdout))
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		redisSink := sink.NewRedisSink(rdb, cfg.RedisQueue)
		if err := redisSink.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, redisSink)
	}

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

	slog.Info("starting resync sweep", "accounts", reg.Len())
	reconcile.New(reg, dispatcher, cfg.ReconcileInterval).RunOnce(ctx)
	slog.Info("resync sweep complete")
}
