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

package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inboxpulse/monitor/internal/registry"
)

// PGStore keeps per-account cursors in Postgres. Useful when the monitor
// runs somewhere without a stable filesystem.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed cursor store, ensuring the
// account_cursors table exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure cursor schema: %w", err)
	}
	slog.Info("postgres cursor store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_cursors (
			address    TEXT PRIMARY KEY,
			cursor     TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Load reads the account's cursor row.
func (s *PGStore) Load(ctx context.Context, acct *registry.Account) (string, bool, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `
		SELECT cursor FROM account_cursors WHERE address = $1
	`, acct.Address).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load cursor for %s: %w", acct.Address, err)
	}
	return cursor, cursor != "", nil
}

// Save upserts the account's cursor row.
func (s *PGStore) Save(ctx context.Context, acct *registry.Account, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_cursors (address, cursor)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET
			cursor     = EXCLUDED.cursor,
			updated_at = NOW()
	`, acct.Address, cursor)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", acct.Address, err)
	}
	return nil
}
