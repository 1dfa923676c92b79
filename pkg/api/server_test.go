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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/events"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

// echoTransport acknowledges every delivered command with the command's own
// delta as the device state, unless told to stay silent.
type echoTransport struct {
	mu         sync.Mutex
	silent     bool
	deliveries int
	dispatcher *dispatch.Dispatcher
}

func (t *echoTransport) Deliver(_ context.Context, _ *models.Device, req *models.CommandRequest) error {
	t.mu.Lock()
	t.deliveries++
	silent := t.silent
	d := t.dispatcher
	t.mu.Unlock()

	if silent {
		return nil
	}

	go d.HandleAck(&models.CommandAck{
		CommandID:  req.CommandID,
		DeviceID:   req.DeviceID,
		Success:    true,
		State:      req.Delta,
		ReportedAt: time.Now(),
	})

	return nil
}

type apiFixture struct {
	reg        *registry.DeviceRegistry
	broker     *events.Broker
	ingestor   *events.Ingestor
	transport  *echoTransport
	dispatcher *dispatch.Dispatcher
	server     *APIServer
	ts         *httptest.Server
}

func defaultTestPolicy() dispatch.Policy {
	return dispatch.Policy{
		MaxAttempts: 3,
		AckTimeout:  50 * time.Millisecond,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Deadline:    5 * time.Second,
		QueueDepth:  4,
	}
}

func newAPIFixtureWithPolicy(t *testing.T, policy dispatch.Policy, opts ...func(*APIServer)) *apiFixture {
	t.Helper()

	log := logger.NewTestLogger()
	broker := events.NewBroker(log)
	reg := registry.NewDeviceRegistry(log, registry.WithNotifier(broker))
	transport := &echoTransport{}

	d := dispatch.NewDispatcher(reg, transport, log,
		dispatch.WithPolicy(policy),
		dispatch.WithNotifier(broker))
	transport.mu.Lock()
	transport.dispatcher = d
	transport.mu.Unlock()

	ingestor := events.NewIngestor(reg, log)

	options := append([]func(*APIServer){
		WithRegistry(reg),
		WithDispatcher(d),
		WithBroker(broker),
		WithIngestor(ingestor),
		WithLogger(log),
	}, opts...)

	server := NewAPIServer(models.CORSConfig{}, options...)
	ts := httptest.NewServer(server.Router())

	t.Cleanup(func() {
		ts.Close()

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = d.Stop(stopCtx)
		broker.Close()
	})

	return &apiFixture{
		reg:        reg,
		broker:     broker,
		ingestor:   ingestor,
		transport:  transport,
		dispatcher: d,
		server:     server,
		ts:         ts,
	}
}

func newAPIFixture(t *testing.T, opts ...func(*APIServer)) *apiFixture {
	t.Helper()

	return newAPIFixtureWithPolicy(t, defaultTestPolicy(), opts...)
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody

	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)

	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()

	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (f *apiFixture) register(t *testing.T, id string, deviceType models.DeviceType) {
	t.Helper()

	resp := f.do(t, http.MethodPost, "/api/devices", RegisterDeviceRequest{
		DeviceID: id,
		Type:     deviceType,
		Address:  "cmd.device." + id,
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestDeviceLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/devices", RegisterDeviceRequest{
		DeviceID: "lamp-1",
		Type:     models.DeviceTypeLight,
		Address:  "cmd.device.lamp-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dev models.Device

	decodeJSON(t, resp, &dev)
	assert.Equal(t, "lamp-1", dev.DeviceID)
	assert.Equal(t, models.ReachabilityUnknown, dev.Reachability)

	// Duplicate registration conflicts.
	resp = f.do(t, http.MethodPost, "/api/devices", RegisterDeviceRequest{
		DeviceID: "lamp-1",
		Type:     models.DeviceTypeLight,
		Address:  "cmd.device.lamp-other",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Missing address is rejected.
	resp = f.do(t, http.MethodPost, "/api/devices", RegisterDeviceRequest{
		DeviceID: "lamp-2",
		Type:     models.DeviceTypeLight,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/devices/lamp-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &dev)
	assert.Equal(t, "lamp-1", dev.DeviceID)

	resp = f.do(t, http.MethodGet, "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	f.register(t, "therm-1", models.DeviceTypeThermostat)

	var list []*models.Device

	resp = f.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &list)
	assert.Len(t, list, 2)

	resp = f.do(t, http.MethodDelete, "/api/devices/lamp-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Retired devices stay resolvable but flagged.
	resp = f.do(t, http.MethodGet, "/api/devices/lamp-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &dev)
	assert.True(t, dev.Retired)

	// A second retire conflicts.
	resp = f.do(t, http.MethodDelete, "/api/devices/lamp-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitCommandOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "lamp-1", models.DeviceTypeLight)

	resp := f.do(t, http.MethodPost, "/api/devices/lamp-1/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"power": "on"},
		Wait:  true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cmd models.Command

	decodeJSON(t, resp, &cmd)
	assert.Equal(t, models.CommandAcknowledged, cmd.Status)
	assert.Equal(t, "lamp-1", cmd.DeviceID)
	assert.Equal(t, 1, cmd.Attempts)

	// The acknowledged state landed in the registry.
	var dev models.Device

	resp = f.do(t, http.MethodGet, "/api/devices/lamp-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &dev)
	assert.Equal(t, "on", dev.State["power"])
	assert.Equal(t, models.ReachabilityReachable, dev.Reachability)

	// The command record is queryable afterwards.
	resp = f.do(t, http.MethodGet, "/api/commands/"+cmd.CommandID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Command

	decodeJSON(t, resp, &fetched)
	assert.Equal(t, cmd.CommandID, fetched.CommandID)

	resp = f.do(t, http.MethodGet, "/api/commands/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// A set without a delta is rejected.
	resp = f.do(t, http.MethodPost, "/api/devices/lamp-1/commands", SubmitCommandRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown devices 404.
	resp = f.do(t, http.MethodPost, "/api/devices/ghost/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"power": "on"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Queries need no delta and fold the reply into state.
	resp = f.do(t, http.MethodPost, "/api/devices/lamp-1/commands", SubmitCommandRequest{
		Kind: models.CommandKindQuery,
		Wait: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &cmd)
	assert.Equal(t, models.CommandAcknowledged, cmd.Status)
	assert.Equal(t, models.CommandKindQuery, cmd.Kind)
}

func TestSubmitCommandBusyDevice(t *testing.T) {
	policy := defaultTestPolicy()
	policy.AckTimeout = time.Minute
	policy.Deadline = time.Minute
	policy.QueueDepth = 1

	f := newAPIFixtureWithPolicy(t, policy)
	f.transport.mu.Lock()
	f.transport.silent = true
	f.transport.mu.Unlock()

	f.register(t, "lock-1", models.DeviceTypeLock)

	// First command occupies the lane.
	resp := f.do(t, http.MethodPost, "/api/devices/lock-1/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"locked": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()

		return f.transport.deliveries == 1
	}, time.Second, 5*time.Millisecond, "first command never reached the device")

	// Second fills the queue.
	resp = f.do(t, http.MethodPost, "/api/devices/lock-1/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"locked": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/devices/lock-1/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"locked": false},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelCommandOverHTTP(t *testing.T) {
	policy := defaultTestPolicy()
	policy.AckTimeout = time.Minute
	policy.Deadline = time.Minute

	f := newAPIFixtureWithPolicy(t, policy)
	f.transport.mu.Lock()
	f.transport.silent = true
	f.transport.mu.Unlock()

	f.register(t, "lamp-1", models.DeviceTypeLight)

	resp := f.do(t, http.MethodPost, "/api/devices/lamp-1/commands", SubmitCommandRequest{
		Delta: map[string]interface{}{"power": "on"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cmd models.Command

	decodeJSON(t, resp, &cmd)
	require.False(t, cmd.Status.IsTerminal())

	resp = f.do(t, http.MethodPost, "/api/commands/"+cmd.CommandID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &cmd)
	assert.Equal(t, models.CommandCancelled, cmd.Status)

	// Cancelling a terminal command conflicts.
	resp = f.do(t, http.MethodPost, "/api/commands/"+cmd.CommandID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/commands/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestIngestEventOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "therm-1", models.DeviceTypeThermostat)

	reported := time.Now().UTC().Truncate(time.Millisecond)

	event := models.DeviceEvent{
		EventID:    "evt-1",
		EventType:  models.EventTypeStateReport,
		Payload:    map[string]interface{}{"temperature": 21.5},
		ReportedAt: reported,
	}

	resp := f.do(t, http.MethodPost, "/api/devices/therm-1/events", event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ingest IngestResponse

	decodeJSON(t, resp, &ingest)
	assert.True(t, ingest.Applied)

	// The exact duplicate is dropped but still accepted.
	resp = f.do(t, http.MethodPost, "/api/devices/therm-1/events", event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeJSON(t, resp, &ingest)
	assert.False(t, ingest.Applied)

	var dev models.Device

	resp = f.do(t, http.MethodGet, "/api/devices/therm-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &dev)
	assert.InDelta(t, 21.5, dev.State["temperature"], 0.001)

	// Unknown device.
	resp = f.do(t, http.MethodPost, "/api/devices/ghost/events", event)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Malformed event.
	resp = f.do(t, http.MethodPost, "/api/devices/therm-1/events", models.DeviceEvent{
		Payload: map[string]interface{}{"temperature": 22.0},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

type recordingSweeper struct {
	mu     sync.Mutex
	sweeps int
}

func (s *recordingSweeper) Sweep(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeps++
}

func (s *recordingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweeps
}

func TestStatsAndReconcileEndpoints(t *testing.T) {
	sweeper := &recordingSweeper{}
	f := newAPIFixture(t, WithSweeper(sweeper))
	f.register(t, "lamp-1", models.DeviceTypeLight)

	event := models.DeviceEvent{
		EventType:  models.EventTypeTelemetry,
		Payload:    map[string]interface{}{"power": "on"},
		ReportedAt: time.Now(),
	}

	resp := f.do(t, http.MethodPost, "/api/devices/lamp-1/events", event)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	var stats StatsResponse

	resp = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &stats)
	assert.Equal(t, 1, stats.Devices)
	assert.Equal(t, uint64(1), stats.Ingest.Applied)

	resp = f.do(t, http.MethodPost, "/api/reconcile", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, sweeper.count())
}

func TestReconcileWithoutSweeper(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/reconcile", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIKeyProtection(t *testing.T) {
	f := newAPIFixture(t, WithAPIKey("test-key"))

	// Health stays open.
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// API routes require the key.
	resp, err = http.Get(f.ts.URL + "/api/devices")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/devices", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "test-key")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
