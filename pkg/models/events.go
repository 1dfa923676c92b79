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
	"fmt"
	"time"
)

// NATSConfig configures NATS connectivity
type NATSConfig struct {
	URL      string          `json:"url"`
	Domain   string          `json:"domain,omitempty"`
	Security *SecurityConfig `json:"security,omitempty"`
}

// Validate ensures the NATS configuration is valid
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	return nil
}

// EventsConfig configures the processed-notification publishing system
type EventsConfig struct {
	Enabled    bool     `json:"enabled"`
	StreamName string   `json:"stream_name"`
	Subjects   []string `json:"subjects"`
}

// Validate ensures the events configuration is valid
func (c *EventsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.StreamName == "" {
		c.StreamName = "events" // Default stream name
	}

	if len(c.Subjects) == 0 {
		// Default subjects for the processed-notification stream
		c.Subjects = []string{"events.device.*", "events.command.*"}
	}

	return nil
}

// IngestConfig configures the device-report ingestion stream.
type IngestConfig struct {
	StreamName string   `json:"stream_name"`
	Subjects   []string `json:"subjects"`
	Durable    string   `json:"durable"`
}

// Validate ensures the ingest configuration is valid
func (c *IngestConfig) Validate() error {
	if c.StreamName == "" {
		c.StreamName = "ingest"
	}

	if len(c.Subjects) == 0 {
		c.Subjects = []string{"ingest.device.>"}
	}

	if c.Durable == "" {
		c.Durable = "hub-ingest"
	}

	return nil
}

// CloudEvent represents a CloudEvents v1.0 compliant event.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// ChangeKind classifies a StateChange emitted by the hub.
type ChangeKind string

const (
	ChangeDeviceRegistered  ChangeKind = "device_registered"
	ChangeStateUpdated      ChangeKind = "state_updated"
	ChangeDeviceUnreachable ChangeKind = "device_unreachable"
	ChangeDeviceRetired     ChangeKind = "device_retired"
	ChangeCommandSubmitted  ChangeKind = "command_submitted"
	ChangeCommandOutcome    ChangeKind = "command_outcome"
)

// StateChange is the processed-notification payload fanned out to interested
// subsystems after the hub mutates device or command state. Device and
// Command are snapshots; Event is the triggering report when the change came
// from device ingestion.
type StateChange struct {
	Kind       ChangeKind   `json:"kind"`
	DeviceID   string       `json:"device_id"`
	Device     *Device      `json:"device,omitempty"`
	Event      *DeviceEvent `json:"event,omitempty"`
	Command    *Command     `json:"command,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
