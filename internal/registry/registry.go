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

// Package registry holds the static set of monitored accounts. Accounts
// are loaded once at startup from configuration; changing the set requires
// a restart.
package registry

import (
	"strings"

	"github.com/inboxpulse/monitor/internal/config"
)

// Account is one configured mailbox. Immutable after load.
type Account struct {
	Name       string
	Address    string
	TokenFile  string
	CursorFile string
}

// Registry resolves accounts by mailbox address.
type Registry struct {
	accounts  []Account
	byAddress map[string]*Account
}

// New builds a registry from configured accounts. Addresses are matched
// case-insensitively; a later duplicate address is ignored.
func New(configs []config.AccountConfig) *Registry {
	r := &Registry{
		accounts:  make([]Account, 0, len(configs)),
		byAddress: make(map[string]*Account, len(configs)),
	}
	for _, c := range configs {
		key := strings.ToLower(c.Address)
		if _, dup := r.byAddress[key]; dup {
			continue
		}
		r.accounts = append(r.accounts, Account{
			Name:       c.Name,
			Address:    c.Address,
			TokenFile:  c.TokenFile,
			CursorFile: c.CursorFile,
		})
		r.byAddress[key] = &r.accounts[len(r.accounts)-1]
	}
	return r
}

// ByAddress returns the account owning the given mailbox address, or nil
// if no configured account matches.
func (r *Registry) ByAddress(address string) *Account {
	return r.byAddress[strings.ToLower(address)]
}

// All returns every configured account in declaration order.
func (r *Registry) All() []*Account {
	out := make([]*Account, len(r.accounts))
	for i := range r.accounts {
		out[i] = &r.accounts[i]
	}
	return out
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	return len(r.accounts)
}
