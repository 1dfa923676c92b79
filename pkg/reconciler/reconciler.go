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

// Package reconciler re-verifies cached device state against device ground
// truth. Events can be lost outright (transport outage, device reboot), and
// no compensating event ever arrives; the reconciler closes that gap by
// probing devices whose records have gone stale with a state query through
// the dispatcher.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultStaleness     = 15 * time.Minute
	defaultMaxConcurrent = 8
)

// Config holds the reconciliation policy.
type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// Staleness is how old a device's last hub-side update may get before
	// the device is probed. Measured on UpdatedAt, the hub receipt time,
	// not the device-reported watermark.
	Staleness time.Duration

	// MaxConcurrent bounds how many probes are outstanding at once, so a
	// big stale fleet does not stampede the transport.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}

	if c.Staleness <= 0 {
		c.Staleness = defaultStaleness
	}

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}

	return c
}

// Reconciler periodically sweeps the registry and probes stale devices.
type Reconciler struct {
	config    Config
	registry  Registry
	commander Commander
	clock     Clock
	logger    logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a reconciler. A nil clock takes the real one.
func New(config Config, reg Registry, commander Commander, clock Clock, log logger.Logger) *Reconciler {
	if clock == nil {
		clock = realClock{}
	}

	return &Reconciler{
		config:    config.withDefaults(),
		registry:  reg,
		commander: commander,
		clock:     clock,
		logger:    log,
		done:      make(chan struct{}),
	}
}

// Start implements the lifecycle.Service interface. It blocks, sweeping
// immediately and then on every tick, until the context is cancelled or
// Stop is called. Sweeps run back to back, never overlapped, so a slow
// fleet delays the next tick rather than doubling the probes.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := r.clock.Ticker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("staleness", r.config.Staleness).
		Int("max_concurrent", r.config.MaxConcurrent).
		Msg("Starting reconciliation loop")

	r.wg.Add(1)
	defer r.wg.Done()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (r *Reconciler) Stop(_ context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.wg.Wait()

	return nil
}

// Sweep probes every stale, non-retired device once and waits for the
// probes to settle. Exposed so operators can trigger a pass outside the
// schedule.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweep(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.config.Staleness)

	var stale []*models.Device

	for _, dev := range r.registry.Snapshot() {
		if dev.Retired {
			continue
		}

		if dev.UpdatedAt.After(cutoff) {
			continue
		}

		stale = append(stale, dev)
	}

	if len(stale) == 0 {
		return
	}

	r.logger.Info().Int("stale", len(stale)).Msg("Reconciliation sweep probing stale devices")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxConcurrent)

	for _, dev := range stale {
		g.Go(func() error {
			r.probe(gctx, dev)
			return nil
		})
	}

	// Workers only log, they never return errors, so this cannot fail.
	_ = g.Wait()
}

// probe issues one state query and waits for its terminal outcome. A failed
// probe leaves the device unreachable (the dispatcher already marked it);
// escalation beyond that is someone else's job.
func (r *Reconciler) probe(ctx context.Context, dev *models.Device) {
	h, err := r.commander.SubmitQuery(ctx, dev.DeviceID)
	if err != nil {
		if errors.Is(err, dispatch.ErrDeviceBusy) {
			// A busy lane means the device is being talked to right now;
			// its state will refresh without our help.
			r.logger.Debug().Str("device_id", dev.DeviceID).Msg("Skipping probe, device lane busy")
			return
		}

		r.logger.Warn().Err(err).Str("device_id", dev.DeviceID).Msg("Failed to submit reconciliation probe")

		return
	}

	cmd, err := h.Wait(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Str("device_id", dev.DeviceID).Msg("Reconciliation probe interrupted")
		return
	}

	if cmd.Status != models.CommandAcknowledged {
		r.logger.Warn().
			Str("device_id", dev.DeviceID).
			Str("status", string(cmd.Status)).
			Str("error", cmd.Error).
			Msg("Reconciliation probe did not reach device")

		return
	}

	r.logger.Debug().Str("device_id", dev.DeviceID).Msg("Reconciliation probe refreshed device state")
}
