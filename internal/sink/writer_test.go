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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/inboxpulse/monitor/internal/models"
)

func sampleRecord() *models.MessageRecord {
	return &models.MessageRecord{
		ID:             "m1",
		AccountName:    "Work",
		AccountAddress: "work@gmail.com",
		From:           "alice@example.com",
		To:             "work@gmail.com",
		Subject:        "Hello",
		Snippet:        "Hi there",
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	if err := s.Emit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Work", "work@gmail.com", "alice@example.com", "Hello", "Hi there"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// failSink always errors, for Multi behavior tests.
type failSink struct{}

func (failSink) Emit(context.Context, *models.MessageRecord) error {
	return errors.New("boom")
}

func TestMulti_ContinuesPastFailure(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{failSink{}, NewWriterSink(&buf)}

	if err := m.Emit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Multi.Emit should swallow sink errors, got %v", err)
	}
	if !strings.Contains(buf.String(), "Hello") {
		t.Error("second sink did not receive the record")
	}
}
