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

// Package dispatch drives the notification-to-message pipeline: route an
// envelope to its account, diff mailbox history from the persisted cursor,
// hydrate each new message in provider order, deduplicate, emit, then
// persist the new cursor. One envelope is processed to completion before
// its account's cursor can move again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inboxpulse/monitor/internal/cursor"
	"github.com/inboxpulse/monitor/internal/dedup"
	"github.com/inboxpulse/monitor/internal/gmail"
	"github.com/inboxpulse/monitor/internal/models"
	"github.com/inboxpulse/monitor/internal/registry"
	"github.com/inboxpulse/monitor/internal/sink"
)

// Envelope is one push notification: which mailbox changed and the
// provider's cursor at notification time. The cursor is advisory only;
// diffs always start from the persisted cursor, which is what makes
// redelivery and crash-replay idempotent.
type Envelope struct {
	EmailAddress string
	HistoryID    string
}

// Resolver computes incremental history diffs. Implemented by
// *gmail.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, client *http.Client, fromCursor string) (ids []string, newCursor string, err error)
	Baseline(ctx context.Context, client *http.Client) (string, error)
}

// Fetcher hydrates message display fields. Implemented by *gmail.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, client *http.Client, acct *registry.Account, id string) (*models.MessageRecord, error)
}

// Dispatcher is the long-running notification consumer.
type Dispatcher struct {
	registry *registry.Registry
	clients  map[string]*http.Client // keyed by lowercase address
	resolver Resolver
	fetcher  Fetcher
	store    cursor.Store
	seen     *dedup.SeenSet
	sink     sink.Sink

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is injectable so retry tests don't wait on real backoff.
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	locks       map[string]*sync.Mutex // per-account serialization
	cursorCache map[string]string      // last known cursor per account
}

// Config holds the dispatcher's dependencies.
type Config struct {
	Registry    *registry.Registry
	Clients     map[string]*http.Client
	Resolver    Resolver
	Fetcher     Fetcher
	Store       cursor.Store
	Seen        *dedup.SeenSet
	Sink        sink.Sink
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:    cfg.Registry,
		clients:     cfg.Clients,
		resolver:    cfg.Resolver,
		fetcher:     cfg.Fetcher,
		store:       cfg.Store,
		seen:        cfg.Seen,
		sink:        cfg.Sink,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       sleepCtx,
		locks:       make(map[string]*sync.Mutex),
		cursorCache: make(map[string]string),
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 5
	}
	if d.baseDelay <= 0 {
		d.baseDelay = 500 * time.Millisecond
	}
	if d.maxDelay <= 0 {
		d.maxDelay = 30 * time.Second
	}
	return d
}

// Process handles one envelope to completion. An envelope naming an
// unconfigured account is discarded without error. Stop signals are
// honored between envelopes, never mid-batch.
func (d *Dispatcher) Process(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	acct := d.registry.ByAddress(env.EmailAddress)
	if acct == nil {
		slog.Debug("envelope for unconfigured account, discarding",
			"address", env.EmailAddress,
			"history_id", env.HistoryID,
		)
		return nil
	}

	slog.Debug("notification received",
		"account", acct.Address,
		"history_id", env.HistoryID,
	)

	return d.SyncAccount(ctx, acct)
}

// SyncAccount runs one resolve-hydrate-emit-persist cycle for an account.
// Also the reconciler's entry point. Work per account is serialized;
// distinct accounts may run concurrently.
func (d *Dispatcher) SyncAccount(ctx context.Context, acct *registry.Account) error {
	lock := d.accountLock(acct.Address)
	lock.Lock()
	defer lock.Unlock()

	client, ok := d.clients[strings.ToLower(acct.Address)]
	if !ok {
		return fmt.Errorf("no API client for %s", acct.Address)
	}

	from, found, err := d.loadCursor(ctx, acct)
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", acct.Address, err)
	}
	if !found {
		return d.establishBaseline(ctx, client, acct, "first contact")
	}

	var (
		ids       []string
		newCursor string
	)
	err = d.withBackoff(ctx, "history diff", acct.Address, func() error {
		var rerr error
		ids, newCursor, rerr = d.resolver.Resolve(ctx, client, from)
		return rerr
	})
	if errors.Is(err, gmail.ErrCursorExpired) {
		slog.Warn("history gap: cursor fell out of provider retention, resetting to baseline",
			"account", acct.Address,
			"stale_cursor", from,
		)
		return d.establishBaseline(ctx, client, acct, "history gap")
	}
	if err != nil {
		slog.Warn("history diff failed, dropping this notification batch",
			"account", acct.Address,
			"from_cursor", from,
			"error", err,
		)
		return err
	}

	emitted, err := d.hydrate(ctx, client, acct, ids)
	if err != nil {
		// The cursor must not move past messages that were never
		// surfaced: the next diff from the old cursor re-derives them,
		// and the seen set keeps the already-emitted ones quiet.
		slog.Warn("hydration incomplete, keeping cursor so the batch is re-derived",
			"account", acct.Address,
			"from_cursor", from,
			"emitted", emitted,
			"error", err,
		)
		return err
	}

	if emitted > 0 || len(ids) > 0 {
		slog.Info("batch processed",
			"account", acct.Address,
			"new_messages", len(ids),
			"emitted", emitted,
			"cursor", newCursor,
		)
	}

	d.persistCursor(ctx, acct, newCursor)
	return nil
}

// hydrate fetches and emits each new message in provider order, skipping
// ids already surfaced this session. Returns the emission count, and a
// non-nil error when any fetch failed with something other than
// NotFound: those ids are not marked seen, so the caller keeps the old
// cursor and the next diff re-derives them.
func (d *Dispatcher) hydrate(ctx context.Context, client *http.Client, acct *registry.Account, ids []string) (int, error) {
	emitted := 0
	failed := 0
	var lastErr error
	for _, id := range ids {
		if d.seen.Seen(id) {
			slog.Debug("skipping already-displayed message",
				"account", acct.Address,
				"message_id", id,
			)
			continue
		}

		var rec *models.MessageRecord
		err := d.withBackoff(ctx, "message fetch", acct.Address, func() error {
			var ferr error
			rec, ferr = d.fetcher.Fetch(ctx, client, acct, id)
			return ferr
		})
		if errors.Is(err, gmail.ErrNotFound) {
			// Deleted between notification and fetch. Mark seen so it is
			// never retried, but nothing to show.
			d.seen.Mark(id)
			slog.Debug("message vanished before fetch",
				"account", acct.Address,
				"message_id", id,
			)
			continue
		}
		if err != nil {
			// Not marked seen: the re-derived diff fetches it again.
			slog.Warn("message fetch failed",
				"account", acct.Address,
				"message_id", id,
				"error", err,
			)
			failed++
			lastErr = err
			continue
		}

		d.seen.Mark(id)
		if err := d.sink.Emit(ctx, rec); err != nil {
			slog.Error("sink emit failed",
				"account", acct.Address,
				"message_id", id,
				"error", err,
			)
			continue
		}
		emitted++
	}
	if failed > 0 {
		return emitted, fmt.Errorf("hydrate for %s: %d of %d messages failed: %w", acct.Address, failed, len(ids), lastErr)
	}
	return emitted, nil
}

// establishBaseline stores the provider's current cursor without emitting
// anything, so only mail arriving afterwards is surfaced.
func (d *Dispatcher) establishBaseline(ctx context.Context, client *http.Client, acct *registry.Account, reason string) error {
	var baseline string
	err := d.withBackoff(ctx, "baseline", acct.Address, func() error {
		var berr error
		baseline, berr = d.resolver.Baseline(ctx, client)
		return berr
	})
	if err != nil {
		return fmt.Errorf("establish baseline for %s: %w", acct.Address, err)
	}

	slog.Info("baseline cursor established",
		"account", acct.Address,
		"cursor", baseline,
		"reason", reason,
	)

	d.persistCursor(ctx, acct, baseline)
	return nil
}

// loadCursor consults the in-memory cache first, then the durable store.
func (d *Dispatcher) loadCursor(ctx context.Context, acct *registry.Account) (string, bool, error) {
	d.mu.Lock()
	cached, ok := d.cursorCache[acct.Address]
	d.mu.Unlock()
	if ok {
		return cached, true, nil
	}
	return d.store.Load(ctx, acct)
}

// persistCursor updates the cache and durably saves the cursor, retrying
// the save once. A save that fails twice is a warning, not a batch
// failure: the in-memory cursor stands for this run, and the duplicate
// risk on the next restart is bounded by resolve idempotence.
func (d *Dispatcher) persistCursor(ctx context.Context, acct *registry.Account, cur string) {
	d.mu.Lock()
	d.cursorCache[acct.Address] = cur
	d.mu.Unlock()

	err := d.store.Save(ctx, acct, cur)
	if err != nil {
		err = d.store.Save(ctx, acct, cur)
	}
	if err != nil {
		slog.Warn("cursor persistence failed, continuing with in-memory cursor",
			"account", acct.Address,
			"cursor", cur,
			"error", err,
		)
	}
}

// withBackoff runs fn, retrying transient failures with capped exponential
// backoff up to the configured attempt count.
func (d *Dispatcher) withBackoff(ctx context.Context, op, account string, fn func() error) error {
	delay := d.baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !gmail.IsRetryable(err) {
			return err
		}
		if attempt >= d.maxAttempts {
			return fmt.Errorf("%s for %s: %d attempts exhausted: %w", op, account, attempt, err)
		}

		slog.Debug("transient provider failure, backing off",
			"op", op,
			"account", account,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if serr := d.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > d.maxDelay {
			delay = d.maxDelay
		}
	}
}

func (d *Dispatcher) accountLock(address string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(address)
	if l, ok := d.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	d.locks[key] = l
	return l
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
