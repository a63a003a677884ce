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

// Package reconcile runs a periodic sync sweep over every account as a
// safety net for dropped or delayed push deliveries. The sweep is the
// same resolve-hydrate cycle a notification triggers, so it is safe to
// run at any time.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inboxpulse/monitor/internal/registry"
)

// Syncer runs one sync cycle for an account.
type Syncer interface {
	SyncAccount(ctx context.Context, acct *registry.Account) error
}

// Reconciler sweeps all accounts on a fixed interval.
type Reconciler struct {
	registry *registry.Registry
	syncer   Syncer
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(reg *registry.Registry, syncer Syncer, interval time.Duration) *Reconciler {
	return &Reconciler{
		registry: reg,
		syncer:   syncer,
		interval: interval,
	}
}

// Start launches the background sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.RunOnce(loopCtx)
			}
		}
	}()

	slog.Info("reconciler started", "interval", r.interval)
}

// Stop shuts the sweep loop down and waits for an in-flight sweep.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	slog.Info("reconciler stopped")
}

// RunOnce sweeps every account a single time. Per-account failures are
// logged and do not stop the sweep.
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()
	failed := 0

	for _, acct := range r.registry.All() {
		if ctx.Err() != nil {
			return
		}
		if err := r.syncer.SyncAccount(ctx, acct); err != nil {
			slog.Warn("reconcile sweep failed for account",
				"account", acct.Address,
				"error", err,
			)
			failed++
		}
	}

	slog.Debug("reconcile sweep complete",
		"accounts", r.registry.Len(),
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
