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

	"github.com/gorilla/mux"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/events"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

// Sweeper triggers a reconciliation pass outside the regular schedule.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// APIServer exposes the hub over HTTP: device registration and lookup,
// command submission, test-path event ingestion, and a WebSocket feed of
// state changes.
type APIServer struct {
	registry   registry.Manager
	dispatcher *dispatch.Dispatcher
	broker     *events.Broker
	ingestor   *events.Ingestor
	sweeper    Sweeper
	corsConfig models.CORSConfig
	apiKey     string
	router     *mux.Router
	httpServer *http.Server
	logger     logger.Logger
}

// RegisterDeviceRequest is the body of POST /api/devices.
type RegisterDeviceRequest struct {
	DeviceID string            `json:"device_id"`
	Type     models.DeviceType `json:"type"`
	Address  string            `json:"address"`
}

// SubmitCommandRequest is the body of POST /api/devices/{id}/commands. Kind
// defaults to "set". Wait holds the response until the command reaches a
// terminal status.
type SubmitCommandRequest struct {
	Kind  models.CommandKind     `json:"kind,omitempty"`
	Delta map[string]interface{} `json:"delta,omitempty"`
	Wait  bool                   `json:"wait,omitempty"`
}

// IngestResponse reports what the hub did with a posted device event.
type IngestResponse struct {
	Applied bool   `json:"applied"`
	EventID string `json:"event_id,omitempty"`
}

// StatsResponse aggregates hub counters for operators.
type StatsResponse struct {
	Devices int                `json:"devices"`
	Broker  events.BrokerStats `json:"broker"`
	Ingest  events.IngestStats `json:"ingest"`
}
