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

import (
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultAckTimeout     = 5 * time.Second
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultDeadline       = 2 * time.Minute
	defaultQueueDepth     = 4
	defaultJitter         = 0.2
	defaultRetainTerminal = 1024
)

// DefaultPolicy returns the stock retry policy, jitter included.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		AckTimeout:     defaultAckTimeout,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		Deadline:       defaultDeadline,
		QueueDepth:     defaultQueueDepth,
		Jitter:         defaultJitter,
		RetainTerminal: defaultRetainTerminal,
	}
}

// Policy holds the retry and queueing knobs for command dispatch. The zero
// value is usable: unset fields take the defaults above, except Jitter,
// where zero genuinely means no jitter.
type Policy struct {
	// MaxAttempts is the number of delivery attempts before a command is
	// declared failed.
	MaxAttempts int

	// AckTimeout is how long each attempt waits for an acknowledgement.
	AckTimeout time.Duration

	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Deadline bounds a command's whole lifetime; once passed the command
	// expires no matter how many attempts remain.
	Deadline time.Duration

	// QueueDepth is how many commands may wait behind the in-flight one
	// for a single device before submissions are rejected as busy.
	QueueDepth int

	// Jitter is the proportional randomization applied to each backoff
	// delay, e.g. 0.2 spreads delays within ±20%.
	Jitter float64

	// RetainTerminal is how many completed commands stay queryable before
	// the oldest are evicted.
	RetainTerminal int
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}

	if p.AckTimeout <= 0 {
		p.AckTimeout = defaultAckTimeout
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}

	if p.Deadline <= 0 {
		p.Deadline = defaultDeadline
	}

	if p.QueueDepth <= 0 {
		p.QueueDepth = defaultQueueDepth
	}

	if p.Jitter < 0 {
		p.Jitter = 0
	}

	if p.RetainTerminal <= 0 {
		p.RetainTerminal = defaultRetainTerminal
	}

	return p
}

// backoffDelay computes the wait before the next attempt: base * 2^(attempt-1),
// capped at MaxDelay, with randomized jitter to break retry synchronization
// across a fleet of devices.
func (p Policy) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		jitter := time.Duration(float64(delay) * p.Jitter * (rand.Float64()*2 - 1)) //nolint:gosec // jitter, not crypto
		delay += jitter

		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
