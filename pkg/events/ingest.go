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
	"strings"
	"time"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

// Registry is the slice of the device registry the ingest path needs.
type Registry interface {
	ApplyEvent(ctx context.Context, ev *models.DeviceEvent) (bool, error)
}

// Ingestor is the transport-facing entry point for inbound device events.
// It drops exact duplicates before they touch the registry; ordering and
// staleness are the registry watermark's job. Fan-out happens through the
// registry's notifier, so a change is only broadcast when state really
// moved.
type Ingestor struct {
	registry Registry
	cache    *dedupeCache
	logger   logger.Logger
	stats    ingestStats
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithDedupe overrides the duplicate-detection window and capacity.
func WithDedupe(ttl time.Duration, maxEntries int) IngestorOption {
	return func(i *Ingestor) {
		i.cache = newDedupeCache(ttl, maxEntries)
	}
}

// NewIngestor creates an ingestor over the registry.
func NewIngestor(reg Registry, log logger.Logger, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		registry: reg,
		cache:    newDedupeCache(0, 0),
		logger:   log,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Ingest validates, dedupes, and applies one device event. It returns true
// when the event changed registry state; duplicates and stale events return
// (false, nil). Validation failures (unknown device, retired device, bad
// event) come back as errors and are never retried here.
func (i *Ingestor) Ingest(ctx context.Context, ev *models.DeviceEvent) (bool, error) {
	if ev == nil || strings.TrimSpace(ev.DeviceID) == "" || ev.EventType == "" {
		i.stats.rejected.Add(1)
		return false, ErrInvalidEvent
	}

	now := time.Now().UTC()

	// Devices without a usable clock may omit the reported timestamp; the
	// hub's receipt time then stands in as the ordering watermark.
	if ev.ReportedAt.IsZero() {
		ev.ReportedAt = now
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}

	key := dedupeKeyFor(ev)

	if i.cache.contains(key, now) {
		i.stats.duplicates.Add(1)

		i.logger.Debug().
			Str("device_id", ev.DeviceID).
			Str("event_type", ev.EventType).
			Time("reported_at", ev.ReportedAt).
			Msg("Duplicate device event dropped")

		return false, nil
	}

	applied, err := i.registry.ApplyEvent(ctx, ev)
	if err != nil {
		i.stats.rejected.Add(1)
		return false, err
	}

	i.cache.record(key, now)

	if !applied {
		i.stats.stale.Add(1)

		i.logger.Debug().
			Str("device_id", ev.DeviceID).
			Str("event_type", ev.EventType).
			Time("reported_at", ev.ReportedAt).
			Msg("Stale device event dropped")

		return false, nil
	}

	i.stats.applied.Add(1)

	return true, nil
}
