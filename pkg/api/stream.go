/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carverauto/hearth/pkg/events"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	streamBufferSize    = 256
	streamPingInterval  = 30 * time.Second
	streamReadDeadline  = 60 * time.Second
	streamWriteDeadline = 10 * time.Second
)

// StreamMessage represents a message sent over the WebSocket
type StreamMessage struct {
	Type      string              `json:"type"` // "data", "error", "complete", "ping"
	Data      *models.StateChange `json:"data,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// handleEventStream upgrades the connection to a WebSocket and relays state
// changes matching the query-parameter filter until the client disconnects.
func (s *APIServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.checkWebSocketOrigin(r)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("Failed to upgrade to WebSocket")

		return
	}

	defer func() {
		s.logger.Debug().
			Str("remote_addr", r.RemoteAddr).
			Msg("Closing WebSocket connection")
		conn.Close()
	}()

	subscriberID := "ws-" + uuid.New().String()

	ch, err := s.broker.Subscribe(subscriberID, filter, streamBufferSize)
	if err != nil {
		_ = sendErrorMessage(conn, "Subscription failed: "+err.Error())
		return
	}

	defer func() {
		_ = s.broker.Unsubscribe(subscriberID)
	}()

	s.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("subscriber_id", subscriberID).
		Strs("device_ids", filter.DeviceIDs).
		Msg("WebSocket event stream established")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads from the client only matter for disconnect detection.
	go s.handleClientMessages(ctx, conn, cancel)

	s.streamChanges(ctx, conn, ch, r.RemoteAddr)
}

// filterFromQuery builds the subscription filter from repeatable query
// parameters: device_id, kind, event_type.
func filterFromQuery(r *http.Request) events.Filter {
	query := r.URL.Query()

	var filter events.Filter

	filter.DeviceIDs = append(filter.DeviceIDs, query["device_id"]...)
	filter.EventTypes = append(filter.EventTypes, query["event_type"]...)

	for _, kind := range query["kind"] {
		filter.Kinds = append(filter.Kinds, models.ChangeKind(kind))
	}

	return filter
}

func (s *APIServer) streamChanges(ctx context.Context, conn *websocket.Conn, ch <-chan *models.StateChange, clientAddr string) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	sent := 0

	defer func() {
		s.logger.Debug().
			Str("client_addr", clientAddr).
			Int("send_count", sent).
			Msg("WebSocket streaming loop ended")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := sendPingMessage(conn); err != nil {
				s.logger.Debug().
					Err(err).
					Str("client_addr", clientAddr).
					Msg("WebSocket ping failed, connection likely broken")

				return
			}

		case change, ok := <-ch:
			if !ok {
				// Broker shut down; tell the client we are done.
				_ = sendCompletionMessage(conn)
				return
			}

			if err := sendDataMessage(conn, change); err != nil {
				s.logger.Debug().
					Err(err).
					Str("client_addr", clientAddr).
					Msg("WebSocket write failed")

				return
			}

			sent++
		}
	}
}

// handleClientMessages reads messages from the client (for disconnect detection)
func (s *APIServer) handleClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	clientAddr := conn.RemoteAddr().String()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := conn.SetReadDeadline(time.Now().Add(streamReadDeadline)); err != nil {
				s.logger.Warn().
					Err(err).
					Str("client_addr", clientAddr).
					Msg("Failed to set WebSocket read deadline")
			}

			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					s.logger.Debug().
						Err(err).
						Str("client_addr", clientAddr).
						Msg("WebSocket closed unexpectedly")
				}

				cancel()

				return
			}
		}
	}
}

// checkWebSocketOrigin validates WebSocket origin against CORS configuration
func (s *APIServer) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// If there's no Origin header, allow the connection (same as middleware logic)
	if origin == "" {
		return true
	}

	if len(s.corsConfig.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range s.corsConfig.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}

	return false
}

// Message sending helper functions

func sendDataMessage(conn *websocket.Conn, change *models.StateChange) error {
	return writeStreamMessage(conn, StreamMessage{
		Type:      "data",
		Data:      change,
		Timestamp: time.Now(),
	})
}

func sendErrorMessage(conn *websocket.Conn, errMsg string) error {
	return writeStreamMessage(conn, StreamMessage{
		Type:      "error",
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

func sendCompletionMessage(conn *websocket.Conn) error {
	return writeStreamMessage(conn, StreamMessage{
		Type:      "complete",
		Timestamp: time.Now(),
	})
}

func sendPingMessage(conn *websocket.Conn) error {
	return writeStreamMessage(conn, StreamMessage{
		Type:      "ping",
		Timestamp: time.Now(),
	})
}

func writeStreamMessage(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteDeadline)); err != nil {
		return err
	}

	return conn.WriteJSON(msg)
}
