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

// CommandStatus is the lifecycle state of a command. A command reaches
// exactly one of the terminal states (acknowledged, failed, expired,
// cancelled); pending and in-flight are transient.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandInFlight     CommandStatus = "in-flight"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandExpired      CommandStatus = "expired"
	CommandCancelled    CommandStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the final outcomes.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandExpired, CommandCancelled:
		return true
	default:
		return false
	}
}

// CommandKind distinguishes state-changing commands from the state queries
// issued by the reconciliation loop.
type CommandKind string

const (
	CommandKindSet   CommandKind = "set"
	CommandKindQuery CommandKind = "query"
)

// Command is the hub-side record of a command issued to a device.
type Command struct {
	CommandID   string                 `json:"command_id"`
	DeviceID    string                 `json:"device_id"`
	Kind        CommandKind            `json:"kind"`
	Delta       map[string]interface{} `json:"delta,omitempty"`
	Status      CommandStatus          `json:"status"`
	Attempts    int                    `json:"attempts"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	AckedAt     *time.Time             `json:"acked_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Deadline    time.Time              `json:"deadline"`
}

// CommandRequest is the wire shape published to a device's command subject.
// AckSubject tells the device where to publish its CommandAck.
type CommandRequest struct {
	CommandID  string                 `json:"command_id"`
	DeviceID   string                 `json:"device_id"`
	Kind       CommandKind            `json:"kind"`
	Delta      map[string]interface{} `json:"delta,omitempty"`
	Attempt    int                    `json:"attempt"`
	Deadline   time.Time              `json:"deadline"`
	AckSubject string                 `json:"ack_subject"`
}

// CommandAck is the wire shape a device publishes after applying (or
// rejecting) a command. State carries the device's post-command state so the
// hub can fold it back into the registry.
type CommandAck struct {
	CommandID  string                 `json:"command_id"`
	DeviceID   string                 `json:"device_id"`
	Success    bool                   `json:"success"`
	State      map[string]interface{} `json:"state,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
	Error      string                 `json:"error,omitempty"`
}
