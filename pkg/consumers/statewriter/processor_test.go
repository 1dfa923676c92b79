package statewriter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

func marshalNotification(t *testing.T, ce *models.CloudEvent) []byte {
	t.Helper()

	data, err := json.Marshal(ce)
	if err != nil {
		t.Fatalf("failed to marshal test notification: %v", err)
	}

	return data
}

func TestBuildRowsStateChange(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	change := models.StateChange{
		Kind:     models.ChangeStateUpdated,
		DeviceID: "therm-1",
		Device: &models.Device{
			DeviceID:     "therm-1",
			Reachability: models.ReachabilityReachable,
			State:        map[string]interface{}{"temp_c": 21.5},
		},
		OccurredAt: now,
	}

	data := marshalNotification(t, &models.CloudEvent{
		SpecVersion: "1.0",
		ID:          "ev-1",
		Source:      "hearth/hub",
		Type:        "com.carverauto.hearth.device.state",
		Data:        change,
	})

	state, command, err := buildRows(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if command != nil {
		t.Fatalf("expected no command row, got %+v", command)
	}

	if state == nil {
		t.Fatalf("expected a state row")
	}

	if state.EventID != "ev-1" {
		t.Fatalf("unexpected event id: %s", state.EventID)
	}

	if state.DeviceID != "therm-1" {
		t.Fatalf("unexpected device id: %s", state.DeviceID)
	}

	if state.Kind != "state_updated" {
		t.Fatalf("unexpected kind: %s", state.Kind)
	}

	if state.Reachability != "reachable" {
		t.Fatalf("unexpected reachability: %s", state.Reachability)
	}

	var stored map[string]interface{}
	if err := json.Unmarshal(state.State, &stored); err != nil {
		t.Fatalf("state column is not JSON: %v", err)
	}

	if stored["temp_c"] != 21.5 {
		t.Fatalf("unexpected state: %v", stored)
	}

	if !state.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at %v, got %v", now, state.OccurredAt)
	}
}

func TestBuildRowsCommandOutcome(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	change := models.StateChange{
		Kind:     models.ChangeCommandOutcome,
		DeviceID: "lamp-1",
		Command: &models.Command{
			CommandID: "cmd-1",
			DeviceID:  "lamp-1",
			Kind:      models.CommandKindSet,
			Delta:     map[string]interface{}{"power": "on"},
			Status:    models.CommandAcknowledged,
			Attempts:  2,
		},
		OccurredAt: now,
	}

	data := marshalNotification(t, &models.CloudEvent{
		SpecVersion: "1.0",
		ID:          "ev-2",
		Source:      "hearth/hub",
		Type:        "com.carverauto.hearth.command.outcome",
		Data:        change,
	})

	state, command, err := buildRows(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state != nil {
		t.Fatalf("expected no state row, got %+v", state)
	}

	if command == nil {
		t.Fatalf("expected a command row")
	}

	if command.EventID != "ev-2" {
		t.Fatalf("unexpected event id: %s", command.EventID)
	}

	if command.CommandID != "cmd-1" {
		t.Fatalf("unexpected command id: %s", command.CommandID)
	}

	if command.DeviceID != "lamp-1" {
		t.Fatalf("unexpected device id: %s", command.DeviceID)
	}

	if command.Status != "acknowledged" {
		t.Fatalf("unexpected status: %s", command.Status)
	}

	if command.Attempts != 2 {
		t.Fatalf("unexpected attempts: %d", command.Attempts)
	}

	var delta map[string]interface{}
	if err := json.Unmarshal(command.Delta, &delta); err != nil {
		t.Fatalf("delta column is not JSON: %v", err)
	}

	if delta["power"] != "on" {
		t.Fatalf("unexpected delta: %v", delta)
	}
}

func TestBuildRowsInvalidJSON(t *testing.T) {
	if _, _, err := buildRows([]byte("not a cloud event")); err == nil {
		t.Fatalf("expected an error for non-JSON input")
	}
}

func TestBuildRowsFallsBackToEnvelopeTime(t *testing.T) {
	eventTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	change := models.StateChange{
		Kind:     models.ChangeDeviceRegistered,
		DeviceID: "lock-1",
	}

	data := marshalNotification(t, &models.CloudEvent{
		SpecVersion: "1.0",
		ID:          "ev-3",
		Source:      "hearth/hub",
		Type:        "com.carverauto.hearth.device.registered",
		Time:        &eventTime,
		Data:        change,
	})

	state, _, err := buildRows(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state == nil {
		t.Fatalf("expected a state row")
	}

	if !state.OccurredAt.Equal(eventTime) {
		t.Fatalf("expected occurred_at %v, got %v", eventTime, state.OccurredAt)
	}
}
