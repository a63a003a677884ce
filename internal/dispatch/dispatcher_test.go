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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/inboxpulse/monitor/internal/config"
	"github.com/inboxpulse/monitor/internal/dedup"
	"github.com/inboxpulse/monitor/internal/gmail"
	"github.com/inboxpulse/monitor/internal/models"
	"github.com/inboxpulse/monitor/internal/registry"
)

// fakeResolver scripts diff outcomes per fromCursor and records calls.
type fakeResolver struct {
	mu            sync.Mutex
	diffs         map[string]diffResult // keyed by fromCursor
	baseline      string
	failuresLeft  int // retryable failures before success
	resolveCalls  []string
	baselineCalls int
}

type diffResult struct {
	ids       []string
	newCursor string
	err       error
}

func (f *fakeResolver) Resolve(_ context.Context, _ *http.Client, fromCursor string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, fromCursor)

	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, "", gmail.Retryable(errors.New("rate limited"))
	}

	res, ok := f.diffs[fromCursor]
	if !ok {
		return nil, fromCursor, nil
	}
	return res.ids, res.newCursor, res.err
}

func (f *fakeResolver) Baseline(context.Context, *http.Client) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselineCalls++
	if f.baseline == "" {
		return "", errors.New("no baseline scripted")
	}
	return f.baseline, nil
}

// fakeFetcher returns a record per id, with scriptable per-id errors.
type fakeFetcher struct {
	mu      sync.Mutex
	errs    map[string]error
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *http.Client, acct *registry.Account, id string) (*models.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &models.MessageRecord{ID: id, AccountAddress: acct.Address, AccountName: acct.Name}, nil
}

// memStore is an in-memory cursor store with scriptable save failures.
type memStore struct {
	mu        sync.Mutex
	cursors   map[string]string
	saveFails int
	saves     int
}

func newMemStore() *memStore {
	return &memStore{cursors: make(map[string]string)}
}

func (m *memStore) Load(_ context.Context, acct *registry.Account) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[acct.Address]
	return c, ok, nil
}

func (m *memStore) Save(_ context.Context, acct *registry.Account, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveFails > 0 {
		m.saveFails--
		return errors.New("disk full")
	}
	m.cursors[acct.Address] = cursor
	return nil
}

func (m *memStore) get(address string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[address]
}

// collectSink records emitted message ids in order.
type collectSink struct {
	mu  sync.Mutex
	ids []string
}

func (c *collectSink) Emit(_ context.Context, rec *models.MessageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, rec.ID)
	return nil
}

func (c *collectSink) emitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type fixture struct {
	d        *Dispatcher
	resolver *fakeResolver
	fetcher  *fakeFetcher
	store    *memStore
	sink     *collectSink
	sleeps   *int
}

func newFixture(resolver *fakeResolver) *fixture {
	reg := registry.New([]config.AccountConfig{
		{Name: "Work", Address: "work@gmail.com", TokenFile: "t1", CursorFile: "c1"},
		{Name: "Home", Address: "home@gmail.com", TokenFile: "t2", CursorFile: "c2"},
	})

	fetcher := &fakeFetcher{errs: make(map[string]error)}
	store := newMemStore()
	out := &collectSink{}

	d := New(Config{
		Registry: reg,
		Clients: map[string]*http.Client{
			"work@gmail.com": {},
			"home@gmail.com": {},
		},
		Resolver:    resolver,
		Fetcher:     fetcher,
		Store:       store,
		Seen:        dedup.NewSeenSet(100),
		Sink:        out,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})

	sleeps := 0
	d.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	return &fixture{d: d, resolver: resolver, fetcher: fetcher, store: store, sink: out, sleeps: &sleeps}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestProcess_ResolveAndEmit is the canonical flow: cursor 100, diff to
// 107 yields m1 and m2, both emitted in order, cursor persisted.
func TestProcess_ResolveAndEmit(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1", "m2"}, newCursor: "107"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := fx.sink.emitted(); !equalIDs(got, []string{"m1", "m2"}) {
		t.Errorf("emitted = %v, want [m1 m2]", got)
	}
	if got := fx.store.get("work@gmail.com"); got != "107" {
		t.Errorf("stored cursor = %q, want 107", got)
	}
	if !fx.d.seen.Seen("m1") || !fx.d.seen.Seen("m2") {
		t.Error("seen set should contain m1 and m2")
	}
}

// TestProcess_RedeliveredEnvelope: with the cursor already at 107, a
// redelivered notification resolves to an empty diff and emits nothing.
func TestProcess_RedeliveredEnvelope(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"107": {ids: nil, newCursor: "107"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "107"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); len(got) != 0 {
		t.Errorf("emitted = %v, want nothing", got)
	}
	if got := fx.store.get("work@gmail.com"); got != "107" {
		t.Errorf("stored cursor = %q, want 107", got)
	}
}

// TestProcess_AccountIsolation: an envelope for one account never touches
// another account's cursor or messages.
func TestProcess_AccountIsolation(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"w1"}, newCursor: "101"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"
	fx.store.cursors["home@gmail.com"] = "500"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "101"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := fx.store.get("home@gmail.com"); got != "500" {
		t.Errorf("home cursor = %q, want untouched 500", got)
	}
	if calls := fx.resolver.resolveCalls; len(calls) != 1 || calls[0] != "100" {
		t.Errorf("resolve calls = %v, want exactly [100]", calls)
	}
	if got := fx.fetcher.fetched; !equalIDs(got, []string{"w1"}) {
		t.Errorf("fetched = %v, want [w1]", got)
	}
}

// TestProcess_Unroutable: an envelope for an unconfigured address is
// discarded without touching anything.
func TestProcess_Unroutable(t *testing.T) {
	fx := newFixture(&fakeResolver{})

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "stranger@gmail.com", HistoryID: "1"})
	if err != nil {
		t.Fatalf("unroutable envelope must not error, got %v", err)
	}
	if len(fx.resolver.resolveCalls) != 0 {
		t.Error("resolver should not be called for unroutable envelopes")
	}
}

// TestProcess_Baseline: first contact stores the provider baseline and
// emits none of the existing mailbox history.
func TestProcess_Baseline(t *testing.T) {
	fx := newFixture(&fakeResolver{
		baseline: "4000",
		diffs: map[string]diffResult{
			"4000": {ids: []string{"m9"}, newCursor: "4010"},
		},
	})

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "4005"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); len(got) != 0 {
		t.Errorf("baseline establishment emitted %v, want nothing", got)
	}
	if got := fx.store.get("work@gmail.com"); got != "4000" {
		t.Errorf("stored cursor = %q, want baseline 4000", got)
	}

	// The next notification proceeds normally from the baseline.
	err = fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "4010"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m9"}) {
		t.Errorf("emitted = %v, want [m9]", got)
	}
}

// TestProcess_HistoryGap: an expired cursor resets to baseline, emits
// nothing, and later notifications work from the new baseline.
func TestProcess_HistoryGap(t *testing.T) {
	fx := newFixture(&fakeResolver{
		baseline: "9000",
		diffs: map[string]diffResult{
			"10": {err: fmt.Errorf("%w: history.list HTTP 404", gmail.ErrCursorExpired)},
		},
	})
	fx.store.cursors["work@gmail.com"] = "10"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "9001"})
	if err != nil {
		t.Fatalf("history gap must not surface as an error: %v", err)
	}
	if got := fx.sink.emitted(); len(got) != 0 {
		t.Errorf("emitted = %v, want nothing on gap reset", got)
	}
	if got := fx.store.get("work@gmail.com"); got != "9000" {
		t.Errorf("stored cursor = %q, want baseline 9000", got)
	}
	if fx.resolver.baselineCalls != 1 {
		t.Errorf("baseline calls = %d, want 1", fx.resolver.baselineCalls)
	}
}

// TestProcess_RetryThenSuccess: transient failures are retried with
// backoff and the batch completes.
func TestProcess_RetryThenSuccess(t *testing.T) {
	fx := newFixture(&fakeResolver{
		failuresLeft: 2,
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1"}, newCursor: "101"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "101"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m1"}) {
		t.Errorf("emitted = %v, want [m1]", got)
	}
	if *fx.sleeps != 2 {
		t.Errorf("backoff sleeps = %d, want 2", *fx.sleeps)
	}
}

// TestProcess_RetryExhausted: repeated transient failures drop the
// envelope with an error and never advance the cursor.
func TestProcess_RetryExhausted(t *testing.T) {
	fx := newFixture(&fakeResolver{
		failuresLeft: 10,
	})
	fx.store.cursors["work@gmail.com"] = "100"

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "101"})
	if err == nil {
		t.Fatal("expected an error after retry exhaustion")
	}
	if got := fx.store.get("work@gmail.com"); got != "100" {
		t.Errorf("cursor advanced to %q despite failed diff", got)
	}
	if got := fx.sink.emitted(); len(got) != 0 {
		t.Errorf("emitted = %v, want nothing", got)
	}
	// MaxAttempts = 3: two backoffs before giving up
	if *fx.sleeps != 2 {
		t.Errorf("backoff sleeps = %d, want 2", *fx.sleeps)
	}
}

// TestProcess_NotFoundMarksSeen: a vanished message is marked seen so it
// is never retried, without emission, and the rest of the batch proceeds.
func TestProcess_NotFoundMarksSeen(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1", "m2"}, newCursor: "107"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"
	fx.fetcher.errs["m1"] = fmt.Errorf("%w: m1", gmail.ErrNotFound)

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m2"}) {
		t.Errorf("emitted = %v, want [m2]", got)
	}
	if !fx.d.seen.Seen("m1") {
		t.Error("vanished message must be marked seen")
	}
	if got := fx.store.get("work@gmail.com"); got != "107" {
		t.Errorf("stored cursor = %q, want 107", got)
	}
}

// TestProcess_FetchFailureKeepsCursor: a message whose hydration fails
// after retries must stay derivable. The cursor does not advance, the id
// is not marked seen, and once the provider recovers the same diff picks
// the message up without re-emitting the rest of the batch.
func TestProcess_FetchFailureKeepsCursor(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1", "m2"}, newCursor: "107"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"
	fx.fetcher.errs["m1"] = gmail.Retryable(errors.New("upstream timeout"))

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err == nil {
		t.Fatal("expected an error for the incomplete batch")
	}
	if got := fx.store.get("work@gmail.com"); got != "100" {
		t.Errorf("cursor = %q, want unchanged 100", got)
	}
	if fx.d.seen.Seen("m1") {
		t.Error("failed message must not be marked seen")
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m2"}) {
		t.Errorf("emitted = %v, want [m2]", got)
	}

	// Provider recovers: the same diff re-derives m1, m2 stays quiet.
	fx.fetcher.mu.Lock()
	delete(fx.fetcher.errs, "m1")
	fx.fetcher.mu.Unlock()

	if err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.store.get("work@gmail.com"); got != "107" {
		t.Errorf("cursor = %q, want 107 after recovery", got)
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m2", "m1"}) {
		t.Errorf("emitted = %v, want [m2 m1]", got)
	}
}

// TestProcess_CancelMidHydrateKeepsCursor: a stop signal arriving during
// hydration must not advance the cursor past unfetched messages.
func TestProcess_CancelMidHydrateKeepsCursor(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1", "m2"}, newCursor: "107"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"
	fx.fetcher.errs["m1"] = gmail.Retryable(context.Canceled)
	fx.fetcher.errs["m2"] = gmail.Retryable(context.Canceled)

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err == nil {
		t.Fatal("expected an error for the aborted batch")
	}
	if got := fx.store.get("work@gmail.com"); got != "100" {
		t.Errorf("cursor = %q, want unchanged 100", got)
	}
	if got := fx.sink.emitted(); len(got) != 0 {
		t.Errorf("emitted = %v, want nothing", got)
	}
}

// TestProcess_OverlappingBatches: overlapping diffs across notifications
// never emit the same id twice in a session.
func TestProcess_OverlappingBatches(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1", "m2"}, newCursor: "105"},
			"105": {ids: []string{"m2", "m3"}, newCursor: "110"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"

	for _, hid := range []string{"105", "110"} {
		if err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: hid}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := fx.sink.emitted(); !equalIDs(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("emitted = %v, want [m1 m2 m3]", got)
	}
}

// TestProcess_PersistFailureKeepsInMemoryCursor: a doubly-failing save is
// non-fatal and the in-memory cursor is used for the next batch.
func TestProcess_PersistFailureKeepsInMemoryCursor(t *testing.T) {
	fx := newFixture(&fakeResolver{
		diffs: map[string]diffResult{
			"100": {ids: []string{"m1"}, newCursor: "107"},
			"107": {ids: []string{"m2"}, newCursor: "110"},
		},
	})
	fx.store.cursors["work@gmail.com"] = "100"
	fx.store.saveFails = 2 // first save plus its retry

	err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "107"})
	if err != nil {
		t.Fatalf("persistence failure must be non-fatal: %v", err)
	}
	if got := fx.store.get("work@gmail.com"); got != "100" {
		t.Errorf("durable cursor = %q, want unchanged 100", got)
	}

	// Next batch starts from the in-memory cursor 107, not the stale 100.
	if err := fx.d.Process(context.Background(), Envelope{EmailAddress: "work@gmail.com", HistoryID: "110"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.sink.emitted(); !equalIDs(got, []string{"m1", "m2"}) {
		t.Errorf("emitted = %v, want [m1 m2]", got)
	}
	if calls := fx.resolver.resolveCalls; calls[len(calls)-1] != "107" {
		t.Errorf("second diff started from %q, want in-memory 107", calls[len(calls)-1])
	}
}

// TestProcess_StopBetweenEnvelopes: a cancelled context is observed
// before a batch starts.
func TestProcess_StopBetweenEnvelopes(t *testing.T) {
	fx := newFixture(&fakeResolver{})
	fx.store.cursors["work@gmail.com"] = "100"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.d.Process(ctx, Envelope{EmailAddress: "work@gmail.com", HistoryID: "101"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fx.resolver.resolveCalls) != 0 {
		t.Error("no batch should start after cancellation")
	}
}
