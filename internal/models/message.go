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

// Package models defines the data structures shared across the monitor.
package models

import "time"

// MessageRecord is a normalized, display-ready view of a newly arrived
// message. Built once by the fetcher, immutable afterwards, consumed
// exactly once by a presentation sink.
type MessageRecord struct {
	ID             string    `json:"id"`
	AccountName    string    `json:"account_name"`
	AccountAddress string    `json:"account_address"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Date           string    `json:"date,omitempty"`
	InternalDate   time.Time `json:"internal_date,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
}
