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

// Package api provides the HTTP API server for the Hearth hub
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/events"
	srHttp "github.com/carverauto/hearth/pkg/http"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// NewAPIServer creates a new API server instance with the given configuration
func NewAPIServer(corsConfig models.CORSConfig, options ...func(server *APIServer)) *APIServer {
	s := &APIServer{
		router:     mux.NewRouter(),
		corsConfig: corsConfig,
		logger:     logger.NewTestLogger(),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithRegistry sets the device registry for the API server
func WithRegistry(r registry.Manager) func(*APIServer) {
	return func(server *APIServer) {
		server.registry = r
	}
}

// WithDispatcher sets the command dispatcher for the API server
func WithDispatcher(d *dispatch.Dispatcher) func(*APIServer) {
	return func(server *APIServer) {
		server.dispatcher = d
	}
}

// WithBroker sets the state-change broker backing the event stream
func WithBroker(b *events.Broker) func(*APIServer) {
	return func(server *APIServer) {
		server.broker = b
	}
}

// WithIngestor sets the event ingestor backing the test ingest endpoint
func WithIngestor(i *events.Ingestor) func(*APIServer) {
	return func(server *APIServer) {
		server.ingestor = i
	}
}

// WithSweeper wires the reconciler's manual sweep trigger
func WithSweeper(sweeper Sweeper) func(*APIServer) {
	return func(server *APIServer) {
		server.sweeper = sweeper
	}
}

// WithAPIKey protects /api routes with an API key
func WithAPIKey(apiKey string) func(*APIServer) {
	return func(server *APIServer) {
		server.apiKey = apiKey
	}
}

// WithLogger sets the logger for the API server
func WithLogger(log logger.Logger) func(*APIServer) {
	return func(server *APIServer) {
		server.logger = log
	}
}

// Router exposes the configured handler, mainly for tests.
func (s *APIServer) Router() http.Handler {
	return s.router
}

func (s *APIServer) setupRoutes() {
	s.setupMiddleware()

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	protected := s.router.PathPrefix("/api").Subrouter()

	if s.apiKey != "" {
		protected.Use(srHttp.APIKeyMiddlewareWithOptions(srHttp.APIKeyOptions{
			APIKey:          s.apiKey,
			LogUnauthorized: true,
			Logger:          s.logger,
		}))
	}

	protected.HandleFunc("/devices", s.handleRegisterDevice).Methods("POST")
	protected.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	protected.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	protected.HandleFunc("/devices/{id}", s.handleRetireDevice).Methods("DELETE")
	protected.HandleFunc("/devices/{id}/commands", s.handleSubmitCommand).Methods("POST")
	protected.HandleFunc("/devices/{id}/events", s.handleIngestEvent).Methods("POST")
	protected.HandleFunc("/commands/{id}", s.handleGetCommand).Methods("GET")
	protected.HandleFunc("/commands/{id}/cancel", s.handleCancelCommand).Methods("POST")
	protected.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	protected.HandleFunc("/stats", s.handleStats).Methods("GET")
	protected.HandleFunc("/reconcile", s.handleReconcile).Methods("POST")
}

func (s *APIServer) setupMiddleware() {
	s.router.Use(func(next http.Handler) http.Handler {
		return srHttp.CommonMiddleware(next, s.corsConfig, s.logger)
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *APIServer) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	dev, err := s.registry.Register(r.Context(), req.DeviceID, req.Type, req.Address)

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrAlreadyRegistered):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, registry.ErrInvalidDeviceID), errors.Is(err, registry.ErrInvalidAddress):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		s.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("Device registration failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(dev); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding response")
	}
}

func (s *APIServer) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, s.registry.Snapshot(), s.logger)
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	dev, err := s.registry.GetDevice(deviceID)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSONResponse(w, dev, s.logger)
}

func (s *APIServer) handleRetireDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	err := s.registry.Retire(r.Context(), deviceID)

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrUnknownDevice):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrDeviceRetired):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Device retirement failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		h   *dispatch.Handle
		err error
	)

	if req.Kind == models.CommandKindQuery {
		h, err = s.dispatcher.SubmitQuery(r.Context(), deviceID)
	} else {
		if len(req.Delta) == 0 {
			writeError(w, "A set command needs a non-empty delta", http.StatusBadRequest)
			return
		}

		h, err = s.dispatcher.Submit(r.Context(), deviceID, req.Delta)
	}

	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrDeviceBusy):
		writeError(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, registry.ErrUnknownDevice):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrDeviceRetired), errors.Is(err, dispatch.ErrDispatcherStopped):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Command submission failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	if req.Wait {
		cmd, waitErr := h.Wait(r.Context())
		if waitErr != nil {
			writeError(w, "Request cancelled while waiting for command outcome", http.StatusRequestTimeout)
			return
		}

		writeJSONResponse(w, cmd, s.logger)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	if err := json.NewEncoder(w).Encode(h.Command()); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding response")
	}
}

func (s *APIServer) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := mux.Vars(r)["id"]

	cmd, err := s.dispatcher.GetCommand(commandID)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSONResponse(w, cmd, s.logger)
}

func (s *APIServer) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := mux.Vars(r)["id"]

	err := s.dispatcher.Cancel(commandID)

	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrUnknownCommand):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, dispatch.ErrCommandTerminal):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		s.logger.Error().Err(err).Str("command_id", commandID).Msg("Command cancellation failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	cmd, err := s.dispatcher.GetCommand(commandID)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSONResponse(w, cmd, s.logger)
}

// handleIngestEvent accepts a device event over HTTP. The stream path through
// NATS is the production route; this endpoint exists for tests and manual
// poking. The path device id wins over any id in the body.
func (s *APIServer) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var ev models.DeviceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ev.DeviceID = deviceID

	applied, err := s.ingestor.Ingest(r.Context(), &ev)

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrUnknownDevice):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrDeviceRetired):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, events.ErrInvalidEvent):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Event ingestion failed")
		writeError(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	resp := IngestResponse{Applied: applied, EventID: ev.EventID}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding response")
	}
}

func (s *APIServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Devices: s.registry.Count(),
		Broker:  s.broker.Stats(),
		Ingest:  s.ingestor.Stats(),
	}

	writeJSONResponse(w, resp, s.logger)
}

func (s *APIServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, "Reconciler not configured", http.StatusServiceUnavailable)
		return
	}

	s.sweeper.Sweep(r.Context())

	w.WriteHeader(http.StatusAccepted)
}

// Start runs the HTTP server on addr and blocks until it stops.
func (s *APIServer) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.httpServer = srv

	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// writeJSONResponse writes a JSON response to the HTTP writer
func writeJSONResponse(w http.ResponseWriter, data interface{}, log logger.Logger) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(statusCode)

	errResponse := models.ErrorResponse{
		Message: message,
		Status:  statusCode,
	}

	if err := json.NewEncoder(w).Encode(errResponse); err != nil {
		// Fallback in case encoding fails
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
