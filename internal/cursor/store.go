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

// Package cursor persists the last processed history cursor per account.
// Two backends: one opaque token per account in a flat file (the default),
// or a Postgres table when a database URL is configured.
package cursor

import (
	"context"

	"github.com/inboxpulse/monitor/internal/registry"
)

// Store is the durable per-account cursor store. Save must persist before
// returning; Load reports found=false for a never-before-seen account,
// which tells the dispatcher to establish a baseline instead of replaying
// all history.
type Store interface {
	Load(ctx context.Context, acct *registry.Account) (cursor string, found bool, err error)
	Save(ctx context.Context, acct *registry.Account, cursor string) error
}
