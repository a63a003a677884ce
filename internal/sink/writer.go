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

package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/inboxpulse/monitor/internal/models"
)

// WriterSink prints each record as a plain text block. The default
// terminal output when no queue is configured.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes one block per record.
func (s *WriterSink) Emit(_ context.Context, rec *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	received := ""
	if !rec.InternalDate.IsZero() {
		received = rec.InternalDate.Local().Format(time.DateTime)
	}

	_, err := fmt.Fprintf(s.w,
		"--- New mail ---\nAccount: %s <%s>\nFrom:    %s\nTo:      %s\nSubject: %s\nDate:    %s\nReceived: %s\nSnippet: %s\n\n",
		rec.AccountName, rec.AccountAddress,
		rec.From, rec.To, rec.Subject, rec.Date, received, rec.Snippet,
	)
	if err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return nil
}
