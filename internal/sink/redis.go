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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inboxpulse/monitor/internal/models"
)

// RedisSink pushes each record onto a Redis list for an external renderer
// or downstream consumer.
type RedisSink struct {
	rdb       *redis.Client
	queueName string
}

// NewRedisSink creates a Redis queue sink targeting the given list.
func NewRedisSink(rdb *redis.Client, queueName string) *RedisSink {
	return &RedisSink{
		rdb:       rdb,
		queueName: queueName,
	}
}

// queueItem wraps a record for transport with a delivery id and timestamp.
type queueItem struct {
	DeliveryID string                `json:"delivery_id"`
	EmittedAt  string                `json:"emitted_at"`
	Record     *models.MessageRecord `json:"record"`
}

// Emit serialises the record and pushes it onto the queue.
func (s *RedisSink) Emit(ctx context.Context, rec *models.MessageRecord) error {
	item := queueItem{
		DeliveryID: uuid.New().String(),
		EmittedAt:  time.Now().UTC().Format(time.RFC3339),
		Record:     rec,
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	if err := s.rdb.LPush(ctx, s.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("record queued",
		"delivery_id", item.DeliveryID,
		"message_id", rec.ID,
		"account", rec.AccountAddress,
		"queue", s.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
