package registry

//go:generate mockgen -destination=mock_registry.go -package=registry github.com/carverauto/hearth/pkg/registry Manager,Notifier,Mirror

import (
	"context"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

// Manager is the authoritative device registry surface. It owns the current
// state of every registered device and is the only writer of that state.
type Manager interface {
	// Register adds a new device. Registering an active id fails with
	// ErrAlreadyRegistered; registering a retired id re-activates it with
	// fresh state.
	Register(ctx context.Context, deviceID string, deviceType models.DeviceType, address string) (*models.Device, error)

	// GetDevice returns a snapshot of the device, or ErrUnknownDevice.
	GetDevice(deviceID string) (*models.Device, error)

	// FindByAddress resolves the active device registered at an address.
	FindByAddress(address string) (*models.Device, bool)

	// ApplyEvent folds a device report into stored state. It returns
	// (false, nil) when the event is stale or a duplicate.
	ApplyEvent(ctx context.Context, ev *models.DeviceEvent) (bool, error)

	// MarkUnreachable records that command delivery to the device failed.
	MarkUnreachable(ctx context.Context, deviceID, reason string) error

	// Retire removes the device from active service. Its id stays known.
	Retire(ctx context.Context, deviceID string) error

	// Snapshot returns defensive copies of every device, retired included,
	// ordered by device id.
	Snapshot() []*models.Device

	// Count reports the number of known device ids.
	Count() int
}

// Notifier receives a StateChange after every successful registry mutation.
// Implementations must not block.
type Notifier interface {
	Publish(ctx context.Context, change *models.StateChange)
}

// Mirror is the persistence surface the registry writes device snapshots to
// and rehydrates from. Writes are best-effort; the in-memory map stays
// authoritative.
type Mirror interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
