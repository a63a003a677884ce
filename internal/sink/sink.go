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

// Package sink is the presentation boundary: once the dispatcher has a
// validated, deduplicated MessageRecord it hands it to a Sink and moves
// on. Rendering is somebody else's problem.
package sink

import (
	"context"
	"log/slog"

	"github.com/inboxpulse/monitor/internal/models"
)

// Sink consumes message records. Emit is fire-and-forget from the
// dispatcher's point of view: errors are logged, never retried.
type Sink interface {
	Emit(ctx context.Context, rec *models.MessageRecord) error
}

// Multi fans a record out to several sinks. A failing sink does not stop
// the others.
type Multi []Sink

// Emit forwards the record to every sink, logging individual failures.
func (m Multi) Emit(ctx context.Context, rec *models.MessageRecord) error {
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			slog.Error("sink emit failed",
				"message_id", rec.ID,
				"account", rec.AccountAddress,
				"error", err,
			)
		}
	}
	return nil
}
