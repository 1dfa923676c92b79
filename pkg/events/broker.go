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

// Package events fans device state changes out to in-process subscribers and
// owns the ingest path for inbound device events. Delivery is decoupled from
// the registry's locks: Publish never blocks, a slow subscriber loses its
// own messages and nobody else's.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	id     string
	filter compiled
	ch     chan *models.StateChange
}

// Broker is the in-process fan-out hub for StateChanges. The registry and
// the dispatcher publish into it; the websocket API, the NATS event bridge,
// and tests subscribe.
type Broker struct {
	logger logger.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	stats brokerStats
}

// NewBroker creates an empty broker.
func NewBroker(log logger.Logger) *Broker {
	return &Broker{
		logger: log,
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber and returns its delivery channel. The
// channel is closed on Unsubscribe or Close. A buffer of zero or less takes
// the default; pick the buffer for the subscriber's drain rate, because
// overflow is dropped, not queued.
func (b *Broker) Subscribe(id string, filter Filter, buffer int) (<-chan *models.StateChange, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUnknownSubscriber
	}

	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	if _, exists := b.subs[id]; exists {
		return nil, ErrDuplicateSubscriber
	}

	sub := &subscriber{
		id:     id,
		filter: filter.compile(),
		ch:     make(chan *models.StateChange, buffer),
	}
	b.subs[id] = sub

	b.logger.Debug().Str("subscriber", id).Int("buffer", buffer).Msg("Subscriber registered")

	return sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownSubscriber
	}

	delete(b.subs, id)
	close(sub.ch)

	b.logger.Debug().Str("subscriber", id).Msg("Subscriber removed")

	return nil
}

// Publish delivers a change to every matching subscriber without blocking.
// A subscriber whose buffer is full loses this change; the drop is counted
// against it and delivery to the others continues. Publishers may hold
// per-device locks, so this path must never wait.
func (b *Broker) Publish(_ context.Context, change *models.StateChange) {
	if change == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.filter.matches(change) {
			continue
		}

		select {
		case sub.ch <- change:
			b.stats.delivered.Add(1)
		default:
			b.stats.dropped.Add(1)

			b.logger.Warn().
				Str("subscriber", sub.id).
				Str("kind", string(change.Kind)).
				Str("device_id", change.DeviceID).
				Msg("Subscriber buffer full, change dropped")
		}
	}
}

// SubscriberCount reports the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close closes every subscriber channel and rejects further activity.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
