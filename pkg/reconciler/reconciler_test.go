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

package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

// queryTransport answers state queries like a healthy fleet would.
type queryTransport struct {
	mu       sync.Mutex
	probes   []string
	silent   map[string]bool // devices that never answer
	ack      func(req *models.CommandRequest)
	dispatch *dispatch.Dispatcher
}

func (t *queryTransport) Deliver(_ context.Context, _ *models.Device, req *models.CommandRequest) error {
	t.mu.Lock()
	t.probes = append(t.probes, req.DeviceID)
	mute := t.silent[req.DeviceID]
	t.mu.Unlock()

	if mute {
		return nil
	}

	t.dispatch.HandleAck(&models.CommandAck{
		CommandID:  req.CommandID,
		DeviceID:   req.DeviceID,
		Success:    true,
		State:      map[string]interface{}{"probe": "ok"},
		ReportedAt: time.Now().UTC(),
	})

	return nil
}

func (t *queryTransport) probed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.probes))
	copy(out, t.probes)

	return out
}

type fixture struct {
	registry   *registry.DeviceRegistry
	dispatcher *dispatch.Dispatcher
	transport  *queryTransport
}

func newFixture(t *testing.T, deviceIDs ...string) *fixture {
	t.Helper()

	reg := registry.NewDeviceRegistry(logger.NewTestLogger())

	for _, id := range deviceIDs {
		if _, err := reg.Register(context.Background(), id, models.DeviceTypeSensor, "addr:"+id); err != nil {
			t.Fatalf("Register %q failed: %v", id, err)
		}
	}

	transport := &queryTransport{silent: make(map[string]bool)}

	d := dispatch.NewDispatcher(reg, transport, logger.NewTestLogger(), dispatch.WithPolicy(dispatch.Policy{
		MaxAttempts: 2,
		AckTimeout:  25 * time.Millisecond,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Deadline:    5 * time.Second,
		QueueDepth:  2,
	}))
	transport.dispatch = d

	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	return &fixture{registry: reg, dispatcher: d, transport: transport}
}

func TestSweepProbesOnlyStaleDevices(t *testing.T) {
	fx := newFixture(t, "sensor-stale", "sensor-fresh")

	// Let both records age past the staleness cutoff, then refresh one.
	time.Sleep(60 * time.Millisecond)

	_, err := fx.registry.ApplyEvent(context.Background(), &models.DeviceEvent{
		DeviceID:   "sensor-fresh",
		EventType:  models.EventTypeStateReport,
		Payload:    map[string]interface{}{"temp_c": 20.0},
		ReportedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	r := New(Config{Staleness: 50 * time.Millisecond}, fx.registry, fx.dispatcher, nil, logger.NewTestLogger())

	r.Sweep(context.Background())

	probed := fx.transport.probed()
	assert.Equal(t, []string{"sensor-stale"}, probed)

	// The probe's reply refreshed the stale device.
	dev, err := fx.registry.GetDevice("sensor-stale")
	require.NoError(t, err)
	assert.Equal(t, "ok", dev.State["probe"])
	assert.Equal(t, models.ReachabilityReachable, dev.Reachability)
}

func TestSweepSkipsRetiredDevices(t *testing.T) {
	fx := newFixture(t, "cam-old")

	require.NoError(t, fx.registry.Retire(context.Background(), "cam-old"))
	time.Sleep(60 * time.Millisecond)

	r := New(Config{Staleness: 50 * time.Millisecond}, fx.registry, fx.dispatcher, nil, logger.NewTestLogger())
	r.Sweep(context.Background())

	assert.Empty(t, fx.transport.probed())
}

func TestSweepLeavesSilentDevicesUnreachable(t *testing.T) {
	fx := newFixture(t, "lock-dead")
	fx.transport.silent["lock-dead"] = true

	time.Sleep(60 * time.Millisecond)

	r := New(Config{Staleness: 50 * time.Millisecond}, fx.registry, fx.dispatcher, nil, logger.NewTestLogger())
	r.Sweep(context.Background())

	dev, err := fx.registry.GetDevice("lock-dead")
	require.NoError(t, err)
	assert.Equal(t, models.ReachabilityUnreachable, dev.Reachability)

	// Both attempts went out before the dispatcher gave up.
	assert.Len(t, fx.transport.probed(), 2)
}

func TestSweepSkipsBusyLanes(t *testing.T) {
	reg := registry.NewDeviceRegistry(logger.NewTestLogger())

	_, err := reg.Register(context.Background(), "therm-busy", models.DeviceTypeThermostat, "addr:tb")
	require.NoError(t, err)

	transport := &queryTransport{silent: map[string]bool{"therm-busy": true}}

	// Minute-long ack timeout parks the lane on its first command.
	d := dispatch.NewDispatcher(reg, transport, logger.NewTestLogger(), dispatch.WithPolicy(dispatch.Policy{
		MaxAttempts: 2,
		AckTimeout:  time.Minute,
		Deadline:    time.Minute,
		QueueDepth:  1,
	}))
	transport.dispatch = d

	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	// Fill the lane: one in flight, then the queue to the brim.
	_, err = d.Submit(context.Background(), "therm-busy", map[string]interface{}{"target": 21})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(transport.probed()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = d.Submit(context.Background(), "therm-busy", nil)
	require.NoError(t, err)

	r := New(Config{Staleness: time.Nanosecond}, reg, d, nil, logger.NewTestLogger())
	r.Sweep(context.Background())

	// The sweep was rejected with busy: nothing new hit the wire.
	assert.Len(t, transport.probed(), 1)
}

func TestStartSweepsOnTicks(t *testing.T) {
	fx := newFixture(t, "sensor-1")

	time.Sleep(30 * time.Millisecond)

	r := New(Config{
		Interval:  20 * time.Millisecond,
		Staleness: 25 * time.Millisecond,
	}, fx.registry, fx.dispatcher, nil, logger.NewTestLogger())

	errCh := make(chan error, 1)

	go func() {
		errCh <- r.Start(context.Background())
	}()

	require.Eventually(t, func() bool { return len(fx.transport.probed()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	// Stop twice is fine.
	require.NoError(t, r.Stop(context.Background()))
}

func TestStartHonorsContextCancel(t *testing.T) {
	fx := newFixture(t)

	r := New(Config{Interval: 10 * time.Millisecond}, fx.registry, fx.dispatcher, nil, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		errCh <- r.Start(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}
