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

// Package auth provides per-account OAuth2 credentials for the Gmail API.
// Each account's refresh token lives in its token file (written by the
// one-time interactive authorization flow, which is out of scope here);
// this package turns those into http.Clients that refresh transparently
// and writes refreshed tokens back to the file.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/inboxpulse/monitor/internal/registry"
)

// googleTokenURL is the Google OAuth2 token endpoint. Variable so tests
// can point it at a local server.
var googleTokenURL = "https://oauth2.googleapis.com/token"

// expirySkew refreshes tokens slightly before their reported expiry so an
// in-flight API call never races the deadline.
const expirySkew = time.Minute

// Provider yields valid access tokens and HTTP clients per account.
type Provider struct {
	conf *oauth2.Config

	// now is injectable for expiry tests.
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]*oauth2.Token // keyed by account address
	locks  map[string]*sync.Mutex   // per-account refresh serialization
}

// NewProvider creates a credential provider for the given OAuth application.
func NewProvider(clientID, clientSecret string) *Provider {
	return &Provider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		now:    time.Now,
		tokens: make(map[string]*oauth2.Token),
		locks:  make(map[string]*sync.Mutex),
	}
}

// tokenFile mirrors the JSON layout of an authorized-user token file.
type tokenFile struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry,omitempty"`
}

// EnsureValid returns a non-expired access token for the account,
// refreshing it against the token endpoint when the cached token's expiry
// has passed. The refreshed token is persisted back to the token file.
func (p *Provider) EnsureValid(ctx context.Context, acct *registry.Account) (*oauth2.Token, error) {
	// Refresh is serialized per account; p.mu only guards the maps, so a
	// slow token endpoint for one mailbox never stalls the others.
	lock := p.accountLock(acct.Address)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	tok, ok := p.tokens[acct.Address]
	p.mu.Unlock()
	if !ok {
		loaded, err := p.loadTokenFile(acct.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("load token for %s: %w", acct.Address, err)
		}
		tok = loaded
		p.mu.Lock()
		p.tokens[acct.Address] = tok
		p.mu.Unlock()
	}

	if tok.AccessToken != "" && p.now().Add(expirySkew).Before(tok.Expiry) {
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token for %s, re-run authorization", acct.Address)
	}

	slog.Debug("refreshing access token", "account", acct.Address)

	fresh, err := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", acct.Address, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	p.mu.Lock()
	p.tokens[acct.Address] = fresh
	p.mu.Unlock()

	if err := p.saveTokenFile(acct.TokenFile, fresh); err != nil {
		// Non-fatal: the in-memory token works for this run.
		slog.Warn("failed to persist refreshed token",
			"account", acct.Address,
			"file", acct.TokenFile,
			"error", err,
		)
	}

	return fresh, nil
}

func (p *Provider) accountLock(address string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[address]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.locks[address] = l
	return l
}

// Client returns an HTTP client whose requests carry a valid bearer token
// for the account, refreshing as needed via EnsureValid.
func (p *Provider) Client(ctx context.Context, acct *registry.Account) *http.Client {
	return oauth2.NewClient(ctx, &accountSource{ctx: ctx, provider: p, acct: acct})
}

// accountSource adapts EnsureValid to the oauth2.TokenSource interface.
type accountSource struct {
	ctx      context.Context
	provider *Provider
	acct     *registry.Account
}

func (s *accountSource) Token() (*oauth2.Token, error) {
	return s.provider.EnsureValid(s.ctx, s.acct)
}

func (p *Provider) loadTokenFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	if tf.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has no refresh_token", path)
	}

	tok := &oauth2.Token{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
	}
	if tf.Expiry != "" {
		if exp, err := time.Parse(time.RFC3339, tf.Expiry); err == nil {
			tok.Expiry = exp
		}
	}
	return tok, nil
}

func (p *Provider) saveTokenFile(path string, tok *oauth2.Token) error {
	tf := tokenFile{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		tf.Expiry = tok.Expiry.UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
