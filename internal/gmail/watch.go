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
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// WatchResult reports the outcome of a users.watch registration.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// Watch registers (or re-registers) a push watch on the account's INBOX,
// publishing notifications to the given Pub/Sub topic. Re-registering an
// active watch simply extends it.
func Watch(ctx context.Context, client *http.Client, baseURL, topic string) (*WatchResult, error) {
	body := map[string]interface{}{
		"topicName": topic,
		"labelIds":  []string{"INBOX"},
	}

	var resp struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"` // epoch milliseconds as string
	}
	if err := postJSON(ctx, client, baseURL+"/users/me/watch", body, &resp); err != nil {
		return nil, fmt.Errorf("users.watch: %w", err)
	}

	result := &WatchResult{HistoryID: resp.HistoryID}
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil && ms > 0 {
		result.Expiration = time.UnixMilli(ms).UTC()
	}
	return result, nil
}

// StopWatch cancels the account's push watch.
func StopWatch(ctx context.Context, client *http.Client, baseURL string) error {
	if err := postJSON(ctx, client, baseURL+"/users/me/stop", nil, nil); err != nil {
		return fmt.Errorf("users.stop: %w", err)
	}
	return nil
}
