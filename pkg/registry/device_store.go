package registry

import (
	"context"
	"sort"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

// ApplyEvent folds a device report into the stored state. The device-reported
// timestamp is the ordering watermark: an event at or behind the stored
// watermark is dropped as stale and (false, nil) is returned, so duplicates
// and out-of-order arrivals are no-ops rather than errors. A fresh event
// shallow-merges its payload into the state map and marks the device
// reachable.
func (r *DeviceRegistry) ApplyEvent(ctx context.Context, ev *models.DeviceEvent) (bool, error) {
	entry, ok := r.entry(ev.DeviceID)
	if !ok {
		return false, ErrUnknownDevice
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	entry.mu.Lock()

	dev := entry.dev
	if dev.Retired {
		entry.mu.Unlock()
		return false, ErrDeviceRetired
	}

	if !ev.ReportedAt.After(dev.StateTimestamp) {
		entry.mu.Unlock()

		r.logger.Debug().
			Str("device_id", ev.DeviceID).
			Str("event_type", ev.EventType).
			Time("reported_at", ev.ReportedAt).
			Time("watermark", dev.StateTimestamp).
			Msg("Dropping stale device event")

		return false, nil
	}

	if dev.State == nil {
		dev.State = make(map[string]interface{}, len(ev.Payload))
	}

	for key, value := range ev.Payload {
		dev.State[key] = value
	}

	dev.StateTimestamp = ev.ReportedAt
	dev.Reachability = models.ReachabilityReachable
	dev.ReachabilityReason = ""
	dev.UpdatedAt = ev.ReceivedAt

	snapshot := cloneDevice(dev)

	r.notify(ctx, &models.StateChange{
		Kind:       models.ChangeStateUpdated,
		DeviceID:   ev.DeviceID,
		Device:     snapshot,
		Event:      ev,
		OccurredAt: ev.ReceivedAt,
	})
	entry.mu.Unlock()

	r.mirrorPut(ctx, snapshot)

	return true, nil
}

// MarkUnreachable records a delivery failure. Only the transition into the
// unreachable state is notified; repeated failures while already unreachable
// leave the record untouched so staleness keeps accruing.
func (r *DeviceRegistry) MarkUnreachable(ctx context.Context, deviceID, reason string) error {
	entry, ok := r.entry(deviceID)
	if !ok {
		return ErrUnknownDevice
	}

	entry.mu.Lock()

	dev := entry.dev
	if dev.Retired {
		entry.mu.Unlock()
		return ErrDeviceRetired
	}

	if dev.Reachability == models.ReachabilityUnreachable {
		entry.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	dev.Reachability = models.ReachabilityUnreachable
	dev.ReachabilityReason = reason
	dev.UpdatedAt = now

	snapshot := cloneDevice(dev)

	r.notify(ctx, &models.StateChange{
		Kind:       models.ChangeDeviceUnreachable,
		DeviceID:   deviceID,
		Device:     snapshot,
		OccurredAt: now,
	})
	entry.mu.Unlock()

	r.mirrorPut(ctx, snapshot)

	r.logger.Warn().
		Str("device_id", deviceID).
		Str("reason", reason).
		Msg("Device marked unreachable")

	return nil
}

// Snapshot returns a defensive copy of every device record, ordered by id.
func (r *DeviceRegistry) Snapshot() []*models.Device {
	r.mu.RLock()

	entries := make([]*deviceEntry, 0, len(r.devices))
	for _, entry := range r.devices {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	out := make([]*models.Device, 0, len(entries))

	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, cloneDevice(entry.dev))
		entry.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// cloneDevice returns a copy safe to hand outside the registry. State values
// are shared; payloads are treated as immutable once ingested.
func cloneDevice(src *models.Device) *models.Device {
	if src == nil {
		return nil
	}

	dst := *src

	if src.State != nil {
		state := make(map[string]interface{}, len(src.State))
		for k, v := range src.State {
			state[k] = v
		}

		dst.State = state
	}

	return &dst
}
