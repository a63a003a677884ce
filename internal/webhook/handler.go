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

// Package webhook receives Pub/Sub push deliveries for Gmail mailbox
// change notifications. When a watched mailbox changes, Pub/Sub POSTs a
// wrapped notification to the registered push endpoint. The handler
// decodes it and runs the sync cycle for the matching account before
// acknowledging.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/inboxpulse/monitor/internal/dispatch"
)

// pushDelivery is the wrapper Pub/Sub POSTs to a push endpoint.
type pushDelivery struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// notification is the Gmail payload inside message.data, base64-encoded.
// historyId arrives as a JSON number.
type notification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Processor runs the sync cycle for one decoded notification.
type Processor interface {
	Process(ctx context.Context, env dispatch.Envelope) error
}

// Handler processes Pub/Sub push deliveries.
type Handler struct {
	processor Processor
	token     string
}

// NewHandler creates a push delivery handler. An empty token disables
// the shared-token check.
func NewHandler(processor Processor, token string) *Handler {
	return &Handler{processor: processor, token: token}
}

// ServePush handles a single push delivery.
//
// Pub/Sub redelivers anything not acknowledged with a 2xx, so the
// handler processes synchronously and acks only after the batch
// completes. Malformed bodies are acked too: redelivering garbage
// never makes it parse.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.token != "" && r.URL.Query().Get("token") != h.token {
		slog.Warn("push delivery with bad or missing token, rejecting",
			"remote", r.RemoteAddr,
		)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		// The delivery never fully arrived; a 5xx makes Pub/Sub send it
		// again, unlike a parse failure where redelivery cannot help.
		slog.Error("failed to read push delivery body", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	env, err := decodeDelivery(body)
	if err != nil {
		slog.Warn("undecodable push delivery, acknowledging to stop redelivery",
			"error", err,
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.processor.Process(r.Context(), env); err != nil {
		// The notification content is already surfaced or dropped with
		// its own logging. Ack regardless: a redelivery would resolve
		// from the same persisted cursor and change nothing.
		slog.Debug("sync cycle ended with error, acknowledging anyway",
			"account", env.EmailAddress,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeDelivery unwraps a Pub/Sub push body into an Envelope.
func decodeDelivery(body []byte) (dispatch.Envelope, error) {
	var delivery pushDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return dispatch.Envelope{}, fmt.Errorf("delivery wrapper: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(delivery.Message.Data)
	if err != nil {
		// Push subscriptions configured without wrapping send the
		// payload URL-safe encoded.
		raw, err = base64.URLEncoding.DecodeString(delivery.Message.Data)
		if err != nil {
			return dispatch.Envelope{}, fmt.Errorf("message data: %w", err)
		}
	}

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return dispatch.Envelope{}, fmt.Errorf("notification payload: %w", err)
	}
	if n.EmailAddress == "" {
		return dispatch.Envelope{}, fmt.Errorf("notification missing emailAddress")
	}

	return dispatch.Envelope{
		EmailAddress: n.EmailAddress,
		HistoryID:    n.HistoryID.String(),
	}, nil
}

// Serve starts the push HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel
// before accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/push", handler.ServePush)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind push port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("push server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("push server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("push server error", "error", err)
		}
	}()

	return ready, nil
}
