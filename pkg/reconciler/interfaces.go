package reconciler

//go:generate mockgen -destination=mock_reconciler.go -package=reconciler github.com/carverauto/hearth/pkg/reconciler Registry,Commander,Clock,Ticker

import (
	"context"
	"time"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/models"
)

// Registry is the slice of the device registry the reconciler reads.
type Registry interface {
	Snapshot() []*models.Device
}

// Commander issues the state-query probes. The dispatcher's retry and
// unreachable-marking machinery does the rest.
type Commander interface {
	SubmitQuery(ctx context.Context, deviceID string) (*dispatch.Handle, error)
}

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
