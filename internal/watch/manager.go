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

// Package watch manages per-account Gmail push watches. A watch expires
// after roughly seven days; the manager re-registers each one before
// that happens so notifications keep flowing.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inboxpulse/monitor/internal/gmail"
	"github.com/inboxpulse/monitor/internal/registry"
)

// Manager registers and renews push watches for all configured accounts.
type Manager struct {
	registry    *registry.Registry
	clients     map[string]*http.Client // keyed by lowercase address
	baseURL     string
	topic       string
	renewBuffer time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	expirations map[string]time.Time // keyed by lowercase address

	// OnWatchEstablished is called after each successful registration so
	// the sync cycle can cover anything that arrived while unwatched.
	// Wired by main.go.
	OnWatchEstablished func(ctx context.Context, acct *registry.Account)
}

// ManagerConfig holds the configuration for the watch manager.
type ManagerConfig struct {
	Registry    *registry.Registry
	Clients     map[string]*http.Client
	BaseURL     string
	Topic       string
	RenewBuffer time.Duration
}

// NewManager creates a watch manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		registry:    cfg.Registry,
		clients:     cfg.Clients,
		baseURL:     cfg.BaseURL,
		topic:       cfg.Topic,
		renewBuffer: cfg.RenewBuffer,
		expirations: make(map[string]time.Time),
	}
}

// Start registers a watch for every account, then runs the renewal loop
// in the background. A single account failing to register is logged and
// skipped; all accounts failing is an error.
func (m *Manager) Start(ctx context.Context) error {
	watched := 0
	for _, acct := range m.registry.All() {
		if err := m.establishWatch(ctx, acct); err != nil {
			slog.Error("failed to register watch",
				"account", acct.Address,
				"error", err,
			)
			continue
		}
		watched++
	}

	if watched == 0 {
		return fmt.Errorf("no account could register a watch on topic %s", m.topic)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("watch manager started",
		"accounts_watched", watched,
		"renew_buffer", m.renewBuffer,
	)
	return nil
}

// Stop shuts down the renewal loop. Watches are left registered so a
// restarted process keeps receiving notifications.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch manager stopped")
}

// establishWatch registers (or re-registers) the account's watch and
// records its expiry.
func (m *Manager) establishWatch(ctx context.Context, acct *registry.Account) error {
	key := strings.ToLower(acct.Address)
	client, ok := m.clients[key]
	if !ok {
		return fmt.Errorf("no API client for %s", acct.Address)
	}

	result, err := gmail.Watch(ctx, client, m.baseURL, m.topic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.expirations[key] = result.Expiration
	m.mu.Unlock()

	slog.Info("watch registered",
		"account", acct.Address,
		"history_id", result.HistoryID,
		"expires_at", result.Expiration,
	)

	if m.OnWatchEstablished != nil {
		go m.OnWatchEstablished(context.WithoutCancel(ctx), acct)
	}
	return nil
}

// renewalLoop periodically re-registers watches that are close to expiry.
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

// renewExpiring re-registers every watch inside the renewal buffer.
// Registering again is how Gmail extends a watch; there is no separate
// renewal call.
func (m *Manager) renewExpiring(ctx context.Context) {
	for _, acct := range m.registry.All() {
		key := strings.ToLower(acct.Address)

		m.mu.Lock()
		expiry, known := m.expirations[key]
		m.mu.Unlock()

		if known && time.Until(expiry) >= m.renewBuffer {
			continue
		}

		slog.Info("renewing near-expiry watch",
			"account", acct.Address,
			"expires_at", expiry,
		)
		if err := m.establishWatch(ctx, acct); err != nil {
			slog.Error("watch renewal failed",
				"account", acct.Address,
				"error", err,
			)
		}
	}
}

// StopAll deregisters every account's watch. Used by operational
// tooling to silence a decommissioned deployment.
func (m *Manager) StopAll(ctx context.Context) {
	for _, acct := range m.registry.All() {
		client, ok := m.clients[strings.ToLower(acct.Address)]
		if !ok {
			continue
		}
		if err := gmail.StopWatch(ctx, client, m.baseURL); err != nil {
			slog.Error("failed to stop watch",
				"account", acct.Address,
				"error", err,
			)
			continue
		}
		slog.Info("watch stopped", "account", acct.Address)
	}
}
