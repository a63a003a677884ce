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

package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// historyResponse represents a page of the users.history.list response.
type historyResponse struct {
	History       []historyRecord `json:"history"`
	NextPageToken string          `json:"nextPageToken"`
	HistoryID     string          `json:"historyId"`
}

// historyRecord is one change-set entry; only message additions matter here.
type historyRecord struct {
	ID            string `json:"id"`
	MessagesAdded []struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	} `json:"messagesAdded"`
}

// profileResponse is the users.getProfile response.
type profileResponse struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// Resolver computes the set of newly added messages since a known cursor
// via the incremental history endpoint.
type Resolver struct {
	baseURL  string
	pageSize int
}

// NewResolver creates a history resolver against the given API base URL
// (DefaultBaseURL in production).
func NewResolver(baseURL string) *Resolver {
	return &Resolver{
		baseURL:  baseURL,
		pageSize: 100,
	}
}

// Resolve lists message additions since fromCursor, in provider order,
// and returns the new cursor reported by the provider.
//
// Outcomes:
//   - normal diff: ids (possibly empty) + new cursor
//   - ErrCursorExpired: fromCursor fell out of the retention window
//   - retryable (IsRetryable): transient failure, cursor unchanged
//
// Resolve is a pure function of mailbox state and fromCursor, so calling
// it twice with the same cursor yields the same id set. Crash recovery
// relies on that.
func (r *Resolver) Resolve(ctx context.Context, client *http.Client, fromCursor string) ([]string, string, error) {
	var (
		ids       []string
		inBatch   = make(map[string]bool)
		newCursor = fromCursor
		pageToken string
	)

	for {
		params := url.Values{}
		params.Set("startHistoryId", fromCursor)
		params.Set("historyTypes", "messageAdded")
		params.Set("maxResults", fmt.Sprint(r.pageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page historyResponse
		err := getJSON(ctx, client, fmt.Sprintf("%s/users/me/history?%s", r.baseURL, params.Encode()), &page)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				if transientStatus(se.code) {
					return nil, "", Retryable(se)
				}
				// 404 means the start cursor is out of retention; anything
				// else non-transient is treated the same way rather than
				// guessed at, erring toward a visible gap warning.
				return nil, "", fmt.Errorf("%w: history.list HTTP %d", ErrCursorExpired, se.code)
			}
			return nil, "", fmt.Errorf("history.list from %s: %w", fromCursor, err)
		}

		for _, rec := range page.History {
			for _, added := range rec.MessagesAdded {
				id := added.Message.ID
				if id == "" || inBatch[id] {
					continue
				}
				inBatch[id] = true
				ids = append(ids, id)
			}
		}

		if page.HistoryID != "" {
			newCursor = page.HistoryID
		}

		if page.NextPageToken == "" {
			return ids, newCursor, nil
		}
		pageToken = page.NextPageToken
	}
}

// Baseline returns the provider's current cursor, used when no prior
// cursor is known or after a history gap.
func (r *Resolver) Baseline(ctx context.Context, client *http.Client) (string, error) {
	var profile profileResponse
	err := getJSON(ctx, client, r.baseURL+"/users/me/profile", &profile)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && transientStatus(se.code) {
			return "", Retryable(se)
		}
		return "", fmt.Errorf("users.getProfile: %w", err)
	}
	if profile.HistoryID == "" {
		return "", fmt.Errorf("users.getProfile returned no historyId")
	}
	return profile.HistoryID, nil
}
