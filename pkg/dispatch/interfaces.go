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

package dispatch

//go:generate mockgen -destination=mock_dispatch.go -package=dispatch github.com/carverauto/hearth/pkg/dispatch Transport,DeviceStore,Notifier,Clock,Timer

import (
	"context"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

// Transport is the outbound device-communication boundary. Deliver hands a
// command request to the wire layer for the given device; acknowledgements
// come back asynchronously through Dispatcher.HandleAck, so a nil return
// only means the request was sent, not that the device accepted it.
type Transport interface {
	Deliver(ctx context.Context, device *models.Device, req *models.CommandRequest) error
}

// DeviceStore is the slice of the device registry the dispatcher needs.
type DeviceStore interface {
	GetDevice(deviceID string) (*models.Device, error)
	ApplyEvent(ctx context.Context, ev *models.DeviceEvent) (bool, error)
	MarkUnreachable(ctx context.Context, deviceID, reason string) error
}

// Notifier receives a StateChange when a command is submitted and when it
// reaches its terminal outcome. Implementations must not block.
type Notifier interface {
	Publish(ctx context.Context, change *models.StateChange)
}

// Clock abstracts time so retry schedules can be tested.
type Clock interface {
	Now() time.Time
	Timer(d time.Duration) Timer
}

// Timer abstracts a single-shot timer.
type Timer interface {
	Chan() <-chan time.Time
	Stop() bool
}
