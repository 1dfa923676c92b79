package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carverauto/hearth/pkg/models"
)

var errRegistryMirrorUnavailable = errors.New("device registry mirror unavailable")

// Hydrate loads the last persisted device snapshots from the KV mirror into
// the in-memory registry, replacing whatever is currently held. It returns
// the number of records loaded. Watermarks survive the round-trip, so events
// that were already applied before a restart stay dropped after it.
func (r *DeviceRegistry) Hydrate(ctx context.Context) (int, error) {
	if r.mirror == nil {
		return 0, errRegistryMirrorUnavailable
	}

	keys, err := r.mirror.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("hydrate registry: %w", err)
	}

	devices := make([]*models.Device, 0, len(keys))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("hydrate aborted: %w", err)
		}

		data, found, err := r.mirror.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("hydrate registry key %q: %w", key, err)
		}

		if !found {
			continue
		}

		var dev models.Device
		if err := json.Unmarshal(data, &dev); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable mirror record")
			continue
		}

		if dev.DeviceID == "" {
			continue
		}

		devCopy := dev
		devices = append(devices, &devCopy)
	}

	r.replaceAll(devices)

	return len(devices), nil
}

func (r *DeviceRegistry) replaceAll(devices []*models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*deviceEntry, len(devices))
	r.byAddress = make(map[string]string)

	for _, dev := range devices {
		if dev == nil || dev.DeviceID == "" {
			continue
		}

		clone := cloneDevice(dev)
		r.devices[clone.DeviceID] = &deviceEntry{dev: clone}

		if !clone.Retired && clone.Address != "" {
			r.byAddress[clone.Address] = clone.DeviceID
		}
	}
}

// mirrorPut persists a device snapshot. Mirror failures are logged and
// swallowed; memory stays authoritative.
func (r *DeviceRegistry) mirrorPut(ctx context.Context, dev *models.Device) {
	if r.mirror == nil || dev == nil {
		return
	}

	data, err := json.Marshal(dev)
	if err != nil {
		r.logger.Warn().Err(err).Str("device_id", dev.DeviceID).Msg("Failed to encode device for mirror")
		return
	}

	if err := r.mirror.Put(ctx, dev.DeviceID, data, 0); err != nil {
		r.logger.Warn().Err(err).Str("device_id", dev.DeviceID).Msg("Failed to mirror device snapshot")
	}
}
