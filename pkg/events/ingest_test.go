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

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

// newIngestFixture wires a real registry into a broker so tests observe the
// same path production uses: ingest -> registry -> fan-out.
func newIngestFixture(t *testing.T, deviceIDs ...string) (*Ingestor, *registry.DeviceRegistry, *Broker) {
	t.Helper()

	broker := NewBroker(logger.NewTestLogger())
	t.Cleanup(broker.Close)

	reg := registry.NewDeviceRegistry(logger.NewTestLogger(), registry.WithNotifier(broker))

	for _, id := range deviceIDs {
		if _, err := reg.Register(context.Background(), id, models.DeviceTypeSensor, "addr:"+id); err != nil {
			t.Fatalf("Register %q failed: %v", id, err)
		}
	}

	return NewIngestor(reg, logger.NewTestLogger()), reg, broker
}

func deviceEvent(deviceID string, reportedAt time.Time, payload map[string]interface{}) *models.DeviceEvent {
	return &models.DeviceEvent{
		DeviceID:   deviceID,
		EventType:  models.EventTypeStateReport,
		Payload:    payload,
		ReportedAt: reportedAt,
	}
}

func TestIngestAppliesAndFansOut(t *testing.T) {
	ing, reg, broker := newIngestFixture(t, "sensor-1")

	ch, err := broker.Subscribe("watcher", Filter{Kinds: []models.ChangeKind{models.ChangeStateUpdated}}, 8)
	require.NoError(t, err)

	applied, err := ing.Ingest(context.Background(), deviceEvent("sensor-1", time.Now().UTC(), map[string]interface{}{"temp_c": 21.0}))
	require.NoError(t, err)
	assert.True(t, applied)

	got := recvChange(t, ch)
	assert.Equal(t, models.ChangeStateUpdated, got.Kind)
	assert.Equal(t, "sensor-1", got.DeviceID)
	require.NotNil(t, got.Event)
	assert.Equal(t, models.EventTypeStateReport, got.Event.EventType)

	dev, err := reg.GetDevice("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, 21.0, dev.State["temp_c"])

	stats := ing.Stats()
	assert.Equal(t, uint64(1), stats.Applied)
}

func TestIngestExactDuplicateDropped(t *testing.T) {
	ing, reg, broker := newIngestFixture(t, "sensor-1")

	ch, err := broker.Subscribe("watcher", Filter{Kinds: []models.ChangeKind{models.ChangeStateUpdated}}, 8)
	require.NoError(t, err)

	reportedAt := time.Unix(1700000000, 0).UTC()
	payload := map[string]interface{}{"temp_c": 21.0}

	applied, err := ing.Ingest(context.Background(), deviceEvent("sensor-1", reportedAt, payload))
	require.NoError(t, err)
	require.True(t, applied)

	// The identical event again: silently dropped, state untouched, no
	// second fan-out.
	applied, err = ing.Ingest(context.Background(), deviceEvent("sensor-1", reportedAt, payload))
	require.NoError(t, err)
	assert.False(t, applied)

	recvChange(t, ch)
	expectNoChange(t, ch)

	dev, err := reg.GetDevice("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, 21.0, dev.State["temp_c"])
	assert.True(t, dev.StateTimestamp.Equal(reportedAt))

	stats := ing.Stats()
	assert.Equal(t, uint64(1), stats.Applied)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestIngestStaleEventDropped(t *testing.T) {
	ing, reg, _ := newIngestFixture(t, "sensor-1")

	base := time.Unix(1700000000, 0).UTC()

	applied, err := ing.Ingest(context.Background(), deviceEvent("sensor-1", base, map[string]interface{}{"temp_c": 21.0}))
	require.NoError(t, err)
	require.True(t, applied)

	// An older report (not an exact duplicate) is stale, not an error.
	applied, err = ing.Ingest(context.Background(), deviceEvent("sensor-1", base.Add(-time.Minute), map[string]interface{}{"temp_c": 5.0}))
	require.NoError(t, err)
	assert.False(t, applied)

	dev, err := reg.GetDevice("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, 21.0, dev.State["temp_c"])

	assert.Equal(t, uint64(1), ing.Stats().Stale)
}

func TestIngestOutOfOrderArrival(t *testing.T) {
	ing, reg, _ := newIngestFixture(t, "plug-1")

	base := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	// The newer report arrives first; the older one is then dropped, so the
	// final state reflects timestamp order, not arrival order.
	applied, err := ing.Ingest(ctx, deviceEvent("plug-1", base.Add(time.Second), map[string]interface{}{"on": true}))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = ing.Ingest(ctx, deviceEvent("plug-1", base, map[string]interface{}{"on": false}))
	require.NoError(t, err)
	assert.False(t, applied)

	dev, err := reg.GetDevice("plug-1")
	require.NoError(t, err)
	assert.Equal(t, true, dev.State["on"])
	assert.True(t, dev.StateTimestamp.Equal(base.Add(time.Second)))
}

func TestIngestUnknownDevice(t *testing.T) {
	ing, _, _ := newIngestFixture(t)

	ev := deviceEvent("x9", time.Now().UTC(), map[string]interface{}{"on": true})

	_, err := ing.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, registry.ErrUnknownDevice)

	// Errors are not cached: the same event keeps reporting the problem
	// instead of being swallowed as a duplicate.
	_, err = ing.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, registry.ErrUnknownDevice)

	assert.Equal(t, uint64(2), ing.Stats().Rejected)
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	ing, _, _ := newIngestFixture(t, "sensor-1")
	ctx := context.Background()

	_, err := ing.Ingest(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = ing.Ingest(ctx, &models.DeviceEvent{EventType: models.EventTypeStateReport})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = ing.Ingest(ctx, &models.DeviceEvent{DeviceID: "sensor-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestIngestStampsMissingReportedAt(t *testing.T) {
	ing, reg, _ := newIngestFixture(t, "sensor-1")

	before := time.Now().UTC()

	applied, err := ing.Ingest(context.Background(), &models.DeviceEvent{
		DeviceID:  "sensor-1",
		EventType: models.EventTypeStateReport,
		Payload:   map[string]interface{}{"battery": 80},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	dev, err := reg.GetDevice("sensor-1")
	require.NoError(t, err)
	assert.False(t, dev.StateTimestamp.Before(before), "expected receipt time to stand in as watermark")
}

func TestDedupeCacheBounds(t *testing.T) {
	cache := newDedupeCache(50*time.Millisecond, 2)
	now := time.Now()

	k1 := dedupeKeyFor(deviceEvent("d-1", now, map[string]interface{}{"a": 1}))
	k2 := dedupeKeyFor(deviceEvent("d-2", now, map[string]interface{}{"a": 1}))
	k3 := dedupeKeyFor(deviceEvent("d-3", now, map[string]interface{}{"a": 1}))

	cache.record(k1, now)
	cache.record(k2, now)

	assert.True(t, cache.contains(k1, now))
	assert.True(t, cache.contains(k2, now))

	// Recording a third key evicts the oldest to hold the bound.
	cache.record(k3, now)

	assert.False(t, cache.contains(k1, now))
	assert.True(t, cache.contains(k2, now))
	assert.True(t, cache.contains(k3, now))
	assert.Equal(t, 2, cache.len())

	// Entries age out of the window.
	later := now.Add(100 * time.Millisecond)
	assert.False(t, cache.contains(k2, later))
	assert.False(t, cache.contains(k3, later))
}

func TestDedupeKeySensitivity(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	base := deviceEvent("d-1", now, map[string]interface{}{"on": true, "level": 10})
	same := deviceEvent("d-1", now, map[string]interface{}{"level": 10, "on": true})

	// Same content in a different map order is the same key.
	assert.Equal(t, dedupeKeyFor(base), dedupeKeyFor(same))

	differentPayload := deviceEvent("d-1", now, map[string]interface{}{"on": false, "level": 10})
	differentTime := deviceEvent("d-1", now.Add(time.Second), map[string]interface{}{"on": true, "level": 10})
	differentDevice := deviceEvent("d-2", now, map[string]interface{}{"on": true, "level": 10})

	assert.NotEqual(t, dedupeKeyFor(base), dedupeKeyFor(differentPayload))
	assert.NotEqual(t, dedupeKeyFor(base), dedupeKeyFor(differentTime))
	assert.NotEqual(t, dedupeKeyFor(base), dedupeKeyFor(differentDevice))
}
