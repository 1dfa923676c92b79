package statewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	insertDeviceStateHistory = `INSERT INTO device_state_history
		(event_id, device_id, kind, reachability, state, occurred_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	insertCommandHistory = `INSERT INTO command_history
		(event_id, command_id, device_id, kind, status, attempts, error, delta, occurred_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING`
)

// Processor writes hub notifications to the history tables. Inserts are
// keyed on the CloudEvent id, so JetStream redeliveries are idempotent.
type Processor struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewProcessor creates a Processor backed by the given pool.
func NewProcessor(pool *pgxpool.Pool, log logger.Logger) *Processor {
	return &Processor{pool: pool, logger: log}
}

// envelope is the CloudEvent wire shape with the data payload left raw.
type envelope struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Subject     string          `json:"subject"`
	Time        *time.Time      `json:"time"`
	Data        json.RawMessage `json:"data"`
}

// stateRow is a single row in device_state_history.
type stateRow struct {
	EventID      string
	DeviceID     string
	Kind         string
	Reachability string
	State        []byte
	OccurredAt   time.Time
	Raw          []byte
}

// commandRow is a single row in command_history.
type commandRow struct {
	EventID    string
	CommandID  string
	DeviceID   string
	Kind       string
	Status     string
	Attempts   int
	Error      string
	Delta      []byte
	OccurredAt time.Time
	Raw        []byte
}

// buildRows classifies a notification into a history row. Command changes
// land in command_history, everything else in device_state_history. Only a
// message that is not JSON at all is rejected.
func buildRows(data []byte) (*stateRow, *commandRow, error) {
	var ce envelope
	if err := json.Unmarshal(data, &ce); err != nil {
		return nil, nil, fmt.Errorf("invalid CloudEvent: %w", err)
	}

	var change models.StateChange

	if len(ce.Data) > 0 {
		if err := json.Unmarshal(ce.Data, &change); err != nil {
			return nil, nil, fmt.Errorf("invalid state change payload: %w", err)
		}
	}

	occurred := change.OccurredAt
	if occurred.IsZero() && ce.Time != nil {
		occurred = *ce.Time
	}

	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	switch change.Kind {
	case models.ChangeCommandSubmitted, models.ChangeCommandOutcome:
		row := &commandRow{
			EventID:    ce.ID,
			DeviceID:   change.DeviceID,
			OccurredAt: occurred,
			Raw:        data,
		}

		if cmd := change.Command; cmd != nil {
			row.CommandID = cmd.CommandID
			row.Kind = string(cmd.Kind)
			row.Status = string(cmd.Status)
			row.Attempts = cmd.Attempts
			row.Error = cmd.Error

			if len(cmd.Delta) > 0 {
				row.Delta, _ = json.Marshal(cmd.Delta)
			}
		}

		return nil, row, nil
	default:
		row := &stateRow{
			EventID:    ce.ID,
			DeviceID:   change.DeviceID,
			Kind:       string(change.Kind),
			OccurredAt: occurred,
			Raw:        data,
		}

		if dev := change.Device; dev != nil {
			row.Reachability = string(dev.Reachability)

			if len(dev.State) > 0 {
				row.State, _ = json.Marshal(dev.State)
			}
		}

		return row, nil, nil
	}
}

// ProcessBatch writes a batch of notifications and returns the processed
// messages. Unparseable messages are logged and counted as processed, since
// redelivery cannot fix them.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []jetstream.Msg) ([]jetstream.Msg, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	processed := make([]jetstream.Msg, 0, len(msgs))

	for _, msg := range msgs {
		state, command, err := buildRows(msg.Data())
		if err != nil {
			p.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("Skipping unparseable notification")
			processed = append(processed, msg)

			continue
		}

		switch {
		case command != nil:
			batch.Queue(insertCommandHistory,
				command.EventID,
				command.CommandID,
				command.DeviceID,
				command.Kind,
				command.Status,
				command.Attempts,
				command.Error,
				command.Delta,
				command.OccurredAt,
				command.Raw,
			)
		case state != nil:
			batch.Queue(insertDeviceStateHistory,
				state.EventID,
				state.DeviceID,
				state.Kind,
				state.Reachability,
				state.State,
				state.OccurredAt,
				state.Raw,
			)
		}

		processed = append(processed, msg)
	}

	if batch.Len() == 0 {
		return processed, nil
	}

	if err := p.sendBatchWithRetry(ctx, batch, "history"); err != nil {
		return processed, err
	}

	return processed, nil
}
