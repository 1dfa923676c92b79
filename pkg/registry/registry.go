// Package registry holds the authoritative in-memory device state store.
// The map of devices is guarded by a registry-level RWMutex used only for
// lookup and membership changes; each device entry carries its own mutex so
// state transitions for one device serialize without blocking the rest of
// the fleet.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

// DeviceRegistry is the concrete implementation of Manager.
type DeviceRegistry struct {
	mu        sync.RWMutex
	devices   map[string]*deviceEntry
	byAddress map[string]string

	notifier Notifier
	mirror   Mirror
	logger   logger.Logger
}

type deviceEntry struct {
	mu  sync.Mutex
	dev *models.Device
}

// Option configures a DeviceRegistry.
type Option func(*DeviceRegistry)

// WithNotifier routes StateChange notifications for every mutation.
func WithNotifier(n Notifier) Option {
	return func(r *DeviceRegistry) {
		r.notifier = n
	}
}

// WithMirror persists device snapshots to a KV mirror and enables Hydrate.
func WithMirror(m Mirror) Option {
	return func(r *DeviceRegistry) {
		r.mirror = m
	}
}

// NewDeviceRegistry creates a new, authoritative device registry.
func NewDeviceRegistry(log logger.Logger, opts ...Option) *DeviceRegistry {
	r := &DeviceRegistry{
		devices:   make(map[string]*deviceEntry),
		byAddress: make(map[string]string),
		logger:    log,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a device to the registry. An active duplicate id fails with
// ErrAlreadyRegistered. A retired id is re-activated with fresh state, a new
// address, and unknown reachability; the id itself is never forgotten.
func (r *DeviceRegistry) Register(ctx context.Context, deviceID string, deviceType models.DeviceType, address string) (*models.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}

	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrInvalidAddress
	}

	now := time.Now().UTC()

	dev := &models.Device{
		DeviceID:     deviceID,
		Type:         deviceType,
		Address:      address,
		State:        make(map[string]interface{}),
		Reachability: models.ReachabilityUnknown,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	r.mu.Lock()

	entry, exists := r.devices[deviceID]
	if exists {
		entry.mu.Lock()

		if !entry.dev.Retired {
			entry.mu.Unlock()
			r.mu.Unlock()

			return nil, ErrAlreadyRegistered
		}

		// Re-activation: drop the retired record's address mapping before
		// installing the fresh one.
		delete(r.byAddress, entry.dev.Address)
		entry.dev = dev
	} else {
		entry = &deviceEntry{dev: dev}
		entry.mu.Lock()
		r.devices[deviceID] = entry
	}

	r.byAddress[address] = deviceID
	r.mu.Unlock()

	snapshot := cloneDevice(dev)

	r.notify(ctx, &models.StateChange{
		Kind:       models.ChangeDeviceRegistered,
		DeviceID:   deviceID,
		Device:     snapshot,
		OccurredAt: now,
	})
	entry.mu.Unlock()

	r.mirrorPut(ctx, snapshot)

	r.logger.Info().
		Str("device_id", deviceID).
		Str("device_type", string(deviceType)).
		Str("address", address).
		Msg("Device registered")

	return cloneDevice(dev), nil
}

// GetDevice retrieves a snapshot of a device by ID.
func (r *DeviceRegistry) GetDevice(deviceID string) (*models.Device, error) {
	entry, ok := r.entry(deviceID)
	if !ok {
		return nil, ErrUnknownDevice
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return cloneDevice(entry.dev), nil
}

// FindByAddress resolves the device currently registered at an address.
func (r *DeviceRegistry) FindByAddress(address string) (*models.Device, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, false
	}

	r.mu.RLock()
	deviceID, ok := r.byAddress[address]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	dev, err := r.GetDevice(deviceID)
	if err != nil {
		return nil, false
	}

	return dev, true
}

// Retire marks a device as retired and frees its address. The id stays in
// the registry so history remains resolvable and late acks can be matched.
func (r *DeviceRegistry) Retire(ctx context.Context, deviceID string) error {
	r.mu.Lock()

	entry, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}

	entry.mu.Lock()

	if entry.dev.Retired {
		entry.mu.Unlock()
		r.mu.Unlock()

		return ErrDeviceRetired
	}

	now := time.Now().UTC()
	entry.dev.Retired = true
	entry.dev.UpdatedAt = now
	delete(r.byAddress, entry.dev.Address)
	r.mu.Unlock()

	snapshot := cloneDevice(entry.dev)

	r.notify(ctx, &models.StateChange{
		Kind:       models.ChangeDeviceRetired,
		DeviceID:   deviceID,
		Device:     snapshot,
		OccurredAt: now,
	})
	entry.mu.Unlock()

	r.mirrorPut(ctx, snapshot)

	r.logger.Info().Str("device_id", deviceID).Msg("Device retired")

	return nil
}

// Count reports how many device ids the registry knows, retired included.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

func (r *DeviceRegistry) entry(deviceID string) (*deviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.devices[deviceID]

	return entry, ok
}

func (r *DeviceRegistry) notify(ctx context.Context, change *models.StateChange) {
	if r.notifier == nil {
		return
	}

	r.notifier.Publish(ctx, change)
}
