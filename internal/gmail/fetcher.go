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

	"github.com/inboxpulse/monitor/internal/models"
	"github.com/inboxpulse/monitor/internal/registry"
)

// Fetcher retrieves and normalizes message display fields.
type Fetcher struct {
	baseURL string
}

// NewFetcher creates a message fetcher against the given API base URL.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{baseURL: baseURL}
}

// Fetch retrieves the display fields of a message and builds a
// MessageRecord owned by the given account.
//
// Returns ErrNotFound if the message was deleted between notification and
// fetch; a retryable error on transient provider failures.
func (f *Fetcher) Fetch(ctx context.Context, client *http.Client, acct *registry.Account, messageID string) (*models.MessageRecord, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	params.Add("metadataHeaders", "From")
	params.Add("metadataHeaders", "To")
	params.Add("metadataHeaders", "Subject")
	params.Add("metadataHeaders", "Date")

	reqURL := fmt.Sprintf("%s/users/me/messages/%s?%s", f.baseURL, url.PathEscape(messageID), params.Encode())

	var msg apiMessage
	if err := getJSON(ctx, client, reqURL, &msg); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			if se.code == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
			}
			if transientStatus(se.code) {
				return nil, Retryable(se)
			}
		}
		return nil, fmt.Errorf("messages.get %s: %w", messageID, err)
	}

	return buildRecord(&msg, acct), nil
}
