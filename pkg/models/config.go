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

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carverauto/hearth/pkg/logger"
)

type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// PostgresConfig configures a CloudNativePG-backed history store.
type PostgresConfig struct {
	Host             string          `json:"host"`
	Port             int             `json:"port"`
	Database         string          `json:"database"`
	Username         string          `json:"username"`
	Password         string          `json:"password"`
	SSLMode          string          `json:"ssl_mode,omitempty"`
	MaxConns         int32           `json:"max_conns,omitempty"`
	MinConns         int32           `json:"min_conns,omitempty"`
	MaxConnLifetime  Duration        `json:"max_conn_lifetime,omitempty"`
	StatementTimeout Duration        `json:"statement_timeout,omitempty"`
	TLS              *TLSConfig      `json:"tls,omitempty"`
	Security         *SecurityConfig `json:"security,omitempty"`
}

// Validate ensures the Postgres configuration is valid.
func (c *PostgresConfig) Validate() error {
	if c.Host == "" {
		return errDatabaseAddressRequired
	}

	if c.Database == "" {
		return errDatabaseNameRequired
	}

	if c.Port == 0 {
		c.Port = 5432
	}

	return nil
}

// HubConfig is the top-level configuration for the hub service.
type HubConfig struct {
	ListenAddr string           `json:"listen_addr"`
	APIKey     string           `json:"api_key,omitempty"`
	KVBucket   string           `json:"kv_bucket,omitempty"`
	KVTTL      Duration         `json:"kv_ttl,omitempty"`
	CORS       CORSConfig       `json:"cors,omitempty"`
	NATS       NATSConfig       `json:"nats"`
	Ingest     IngestConfig     `json:"ingest"`
	Events     EventsConfig     `json:"events"`
	Dispatch   DispatchConfig   `json:"dispatch,omitempty"`
	Reconciler ReconcilerConfig `json:"reconciler,omitempty"`
	Security   *SecurityConfig  `json:"security,omitempty"`
	Logging    *logger.Config   `json:"logging,omitempty"`
}

// Validate ensures the hub configuration is valid and fills in defaults.
func (c *HubConfig) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	if err := c.NATS.Validate(); err != nil {
		return err
	}

	if err := c.Ingest.Validate(); err != nil {
		return err
	}

	if err := c.Events.Validate(); err != nil {
		return err
	}

	if c.KVBucket == "" {
		c.KVBucket = "hearth-devices"
	}

	return nil
}

// DispatchConfig exposes the command dispatcher's retry and queueing knobs.
// Zero fields fall back to the dispatcher defaults.
type DispatchConfig struct {
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	AckTimeout     Duration `json:"ack_timeout,omitempty"`
	BaseDelay      Duration `json:"base_delay,omitempty"`
	MaxDelay       Duration `json:"max_delay,omitempty"`
	Deadline       Duration `json:"deadline,omitempty"`
	QueueDepth     int      `json:"queue_depth,omitempty"`
	Jitter         float64  `json:"jitter,omitempty"`
	RetainTerminal int      `json:"retain_terminal,omitempty"`
}

// ReconcilerConfig exposes the reconciliation loop's schedule. Zero fields
// fall back to the reconciler defaults.
type ReconcilerConfig struct {
	Interval      Duration `json:"interval,omitempty"`
	Staleness     Duration `json:"staleness,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

var (
	errInvalidDuration         = fmt.Errorf("invalid duration")
	errDatabaseNameRequired    = fmt.Errorf("database name is required")
	errDatabaseAddressRequired = fmt.Errorf("database address is required")
	errListenAddrRequired      = fmt.Errorf("listen address is required")
)
