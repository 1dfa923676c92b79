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

import "time"

// DeviceType identifies the class of a managed device.
type DeviceType string

const (
	DeviceTypeLight      DeviceType = "light"
	DeviceTypePlug       DeviceType = "plug"
	DeviceTypeSwitch     DeviceType = "switch"
	DeviceTypeThermostat DeviceType = "thermostat"
	DeviceTypeSensor     DeviceType = "sensor"
	DeviceTypeLock       DeviceType = "lock"
	DeviceTypeCamera     DeviceType = "camera"
)

// Reachability is the hub's current belief about a device's availability.
type Reachability string

const (
	ReachabilityUnknown     Reachability = "unknown"
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
)

// Device is the hub's authoritative record for a single registered device.
// State is a shallow key/value map of reported attributes; StateTimestamp is
// the device-reported watermark that orders state updates, while UpdatedAt is
// the hub-local receipt time used for staleness decisions.
type Device struct {
	DeviceID           string                 `json:"device_id"`
	Type               DeviceType             `json:"type"`
	Address            string                 `json:"address"`
	State              map[string]interface{} `json:"state"`
	StateTimestamp     time.Time              `json:"state_timestamp"`
	Reachability       Reachability           `json:"reachability"`
	ReachabilityReason string                 `json:"reachability_reason,omitempty"`
	Retired            bool                   `json:"retired"`
	RegisteredAt       time.Time              `json:"registered_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// DeviceEvent is a state report received from a device. ReportedAt is the
// device's own clock; ReceivedAt is stamped by the hub on arrival.
type DeviceEvent struct {
	EventID    string                 `json:"event_id,omitempty"`
	DeviceID   string                 `json:"device_id"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload"`
	ReportedAt time.Time              `json:"reported_at"`
	ReceivedAt time.Time              `json:"received_at,omitempty"`
}

// Common event types reported by devices. The set is open: unknown types are
// merged like any other state report.
const (
	EventTypeStateReport = "state_report"
	EventTypeTelemetry   = "telemetry"
	EventTypeQueryReply  = "query_reply"
)
