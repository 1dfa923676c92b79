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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   CommandStatus
		terminal bool
	}{
		{CommandPending, false},
		{CommandInFlight, false},
		{CommandAcknowledged, true},
		{CommandFailed, true},
		{CommandExpired, true},
		{CommandCancelled, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), "status %s", tt.status)
	}
}

func TestDurationUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "string duration", input: `"2m30s"`, want: 2*time.Minute + 30*time.Second},
		{name: "numeric nanoseconds", input: `1500000000`, want: 1500 * time.Millisecond},
		{name: "invalid string", input: `"not-a-duration"`, wantErr: true},
		{name: "wrong type", input: `{"seconds": 5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	d := Duration(90 * time.Second)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}

func TestEventsConfigDefaults(t *testing.T) {
	cfg := EventsConfig{Enabled: true}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "events", cfg.StreamName)
	assert.NotEmpty(t, cfg.Subjects)
}

func TestIngestConfigDefaults(t *testing.T) {
	var cfg IngestConfig

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ingest", cfg.StreamName)
	assert.Equal(t, []string{"ingest.device.>"}, cfg.Subjects)
	assert.Equal(t, "hub-ingest", cfg.Durable)
}
