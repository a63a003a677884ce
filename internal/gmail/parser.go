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
	"strconv"
	"strings"
	"time"

	"github.com/inboxpulse/monitor/internal/models"
	"github.com/inboxpulse/monitor/internal/registry"
)

// apiMessage represents the relevant fields of a users.messages.get
// response in metadata format.
type apiMessage struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch milliseconds as string
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// buildRecord converts an API message into a normalized MessageRecord.
func buildRecord(msg *apiMessage, acct *registry.Account) *models.MessageRecord {
	rec := &models.MessageRecord{
		ID:             msg.ID,
		AccountName:    acct.Name,
		AccountAddress: acct.Address,
		From:           headerValue(msg, "From", "Unknown Sender"),
		To:             headerValue(msg, "To", "Unknown Recipient"),
		Subject:        headerValue(msg, "Subject", "No Subject"),
		Date:           headerValue(msg, "Date", ""),
		Snippet:        msg.Snippet,
	}

	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
		rec.InternalDate = time.UnixMilli(ms).UTC()
	}

	return rec
}

// headerValue returns the first header with the given name, or fallback.
func headerValue(msg *apiMessage, name, fallback string) string {
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return fallback
}
