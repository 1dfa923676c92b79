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

// Package dispatch delivers commands to devices with bounded retry and
// exponential backoff. Work is partitioned per device: a lane goroutine per
// device id serializes its attempts, so a device never has two commands in
// flight, while different devices dispatch fully in parallel.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/registry"
)

// Dispatcher owns the command state machines for the whole fleet.
type Dispatcher struct {
	store     DeviceStore
	transport Transport
	notifier  Notifier
	policy    Policy
	clock     Clock
	logger    logger.Logger

	mu       sync.Mutex
	lanes    map[string]*lane
	commands map[string]*Handle
	terminal []string
	waiters  map[string]chan *models.CommandAck
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy overrides the default retry policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithNotifier routes command lifecycle StateChanges.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// NewDispatcher creates a dispatcher on top of a device store and an
// outbound transport.
func NewDispatcher(store DeviceStore, transport Transport, log logger.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:     store,
		transport: transport,
		clock:     realClock{},
		logger:    log,
		lanes:     make(map[string]*lane),
		commands:  make(map[string]*Handle),
		waiters:   make(map[string]chan *models.CommandAck),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.policy = d.policy.withDefaults()

	return d
}

// Submit dispatches a state-change command to a device and returns a handle
// the caller can poll or await for the terminal outcome.
func (d *Dispatcher) Submit(ctx context.Context, deviceID string, delta map[string]interface{}) (*Handle, error) {
	return d.submit(ctx, uuid.NewString(), deviceID, models.CommandKindSet, delta)
}

// SubmitWithID is Submit with a caller-chosen command id, so retried
// submissions stay idempotent: resubmitting an id the dispatcher still
// tracks returns the existing handle instead of dispatching twice.
func (d *Dispatcher) SubmitWithID(ctx context.Context, commandID, deviceID string, delta map[string]interface{}) (*Handle, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, ErrInvalidCommandID
	}

	return d.submit(ctx, commandID, deviceID, models.CommandKindSet, delta)
}

// SubmitQuery dispatches a lightweight state-query command. The device
// answers with its current state, which is folded back into the registry.
// The reconciliation loop uses this to re-verify stale devices.
func (d *Dispatcher) SubmitQuery(ctx context.Context, deviceID string) (*Handle, error) {
	return d.submit(ctx, uuid.NewString(), deviceID, models.CommandKindQuery, nil)
}

func (d *Dispatcher) submit(ctx context.Context, commandID, deviceID string, kind models.CommandKind, delta map[string]interface{}) (*Handle, error) {
	dev, err := d.store.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}

	if dev.Retired {
		return nil, registry.ErrDeviceRetired
	}

	now := d.clock.Now().UTC()

	cmd := &models.Command{
		CommandID: commandID,
		DeviceID:  deviceID,
		Kind:      kind,
		Status:    models.CommandPending,
		CreatedAt: now,
		Deadline:  now.Add(d.policy.Deadline),
	}

	if delta != nil {
		cmd.Delta = make(map[string]interface{}, len(delta))
		for k, v := range delta {
			cmd.Delta[k] = v
		}
	}

	h := newHandle(cmd)

	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()
		return nil, ErrDispatcherStopped
	}

	if existing, ok := d.commands[commandID]; ok {
		d.mu.Unlock()

		d.logger.Debug().
			Str("command_id", commandID).
			Str("device_id", deviceID).
			Msg("Resubmission of tracked command id, returning existing handle")

		return existing, nil
	}

	ln := d.laneLocked(deviceID)

	select {
	case ln.queue <- h:
	default:
		d.mu.Unlock()
		return nil, ErrDeviceBusy
	}

	d.commands[commandID] = h
	d.mu.Unlock()

	d.notify(&models.StateChange{
		Kind:       models.ChangeCommandSubmitted,
		DeviceID:   deviceID,
		Command:    h.Command(),
		OccurredAt: now,
	})

	d.logger.Debug().
		Str("command_id", commandID).
		Str("device_id", deviceID).
		Str("kind", string(kind)).
		Msg("Command queued")

	return h, nil
}

// Cancel stops a command before it reaches a terminal state. The command
// transitions to cancelled immediately; work already on the wire is not
// recalled, but any later acknowledgement is discarded.
func (d *Dispatcher) Cancel(commandID string) error {
	d.mu.Lock()
	h, ok := d.commands[commandID]
	d.mu.Unlock()

	if !ok {
		return ErrUnknownCommand
	}

	if err := h.requestCancel(); err != nil {
		return err
	}

	d.complete(h, models.CommandCancelled, "cancelled by caller")

	return nil
}

// GetCommand returns a snapshot of a tracked command.
func (d *Dispatcher) GetCommand(commandID string) (*models.Command, error) {
	d.mu.Lock()
	h, ok := d.commands[commandID]
	d.mu.Unlock()

	if !ok {
		return nil, ErrUnknownCommand
	}

	return h.Command(), nil
}

// HandleAck is the inbound acknowledgement boundary. The transport calls it
// for every CommandAck received from the fleet; acks for commands that are
// unknown or already terminal are logged and discarded, never revisited.
func (d *Dispatcher) HandleAck(ack *models.CommandAck) {
	if ack == nil || ack.CommandID == "" {
		return
	}

	d.mu.Lock()
	ch, waiting := d.waiters[ack.CommandID]

	var terminal bool

	if !waiting {
		if h, known := d.commands[ack.CommandID]; known {
			terminal = h.Command().Status.IsTerminal()
		}
	}
	d.mu.Unlock()

	if waiting {
		select {
		case ch <- ack:
		default:
		}

		return
	}

	if terminal {
		d.logger.Debug().
			Str("command_id", ack.CommandID).
			Str("device_id", ack.DeviceID).
			Msg("Late acknowledgement for completed command discarded")

		return
	}

	d.logger.Debug().
		Str("command_id", ack.CommandID).
		Str("device_id", ack.DeviceID).
		Msg("Acknowledgement for unknown command discarded")
}

// Stop cancels all lanes and waits for them to drain. Queued and in-flight
// commands are finalized as cancelled so no caller is left hanging.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}

	d.stopped = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// laneLocked returns the lane for a device, starting its goroutine on first
// use. Caller holds d.mu.
func (d *Dispatcher) laneLocked(deviceID string) *lane {
	ln, ok := d.lanes[deviceID]
	if ok {
		return ln
	}

	ln = &lane{
		deviceID: deviceID,
		queue:    make(chan *Handle, d.policy.QueueDepth),
	}
	d.lanes[deviceID] = ln

	d.wg.Add(1)

	go d.runLane(ln)

	return ln
}

func (d *Dispatcher) registerWaiter(commandID string) chan *models.CommandAck {
	ch := make(chan *models.CommandAck, 1)

	d.mu.Lock()
	d.waiters[commandID] = ch
	d.mu.Unlock()

	return ch
}

func (d *Dispatcher) unregisterWaiter(commandID string) {
	d.mu.Lock()
	delete(d.waiters, commandID)
	d.mu.Unlock()
}

// retainTerminal keeps completed commands queryable up to a bound, evicting
// the oldest beyond it.
func (d *Dispatcher) retainTerminal(commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.terminal = append(d.terminal, commandID)

	for len(d.terminal) > d.policy.RetainTerminal {
		evicted := d.terminal[0]
		d.terminal = d.terminal[1:]
		delete(d.commands, evicted)
	}
}

func (d *Dispatcher) notify(change *models.StateChange) {
	if d.notifier == nil {
		return
	}

	d.notifier.Publish(d.ctx, change)
}
