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

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/events"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

const (
	ingestSubjectPrefix = "ingest.device."

	ingestFetchBatch    = 50
	ingestFetchMaxWait  = 30 * time.Second
	ingestAckWait       = 30 * time.Second
	ingestMaxDeliver    = 3
	ingestMaxAckPending = 1000
)

// ingestConsumer pulls device reports off the ingest stream and feeds them
// to the ingestor.
type ingestConsumer struct {
	consumer     jetstream.Consumer
	ingestor     *events.Ingestor
	streamName   string
	consumerName string
	logger       logger.Logger
}

// newIngestConsumer creates or retrieves the durable pull consumer for the
// ingest stream.
func newIngestConsumer(
	ctx context.Context,
	js jetstream.JetStream,
	cfg models.IngestConfig,
	ingestor *events.Ingestor,
	log logger.Logger,
) (*ingestConsumer, error) {
	consumer, err := js.Consumer(ctx, cfg.StreamName, cfg.Durable)
	if err != nil {
		consumerCfg := jetstream.ConsumerConfig{
			Durable:       cfg.Durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ingestAckWait,
			MaxDeliver:    ingestMaxDeliver,
			MaxAckPending: ingestMaxAckPending,
		}

		if len(cfg.Subjects) == 1 {
			consumerCfg.FilterSubject = cfg.Subjects[0]
		} else if len(cfg.Subjects) > 1 {
			consumerCfg.FilterSubjects = cfg.Subjects
		}

		consumer, err = js.CreateConsumer(ctx, cfg.StreamName, consumerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create ingest consumer: %w", err)
		}
	}

	return &ingestConsumer{
		consumer:     consumer,
		ingestor:     ingestor,
		streamName:   cfg.StreamName,
		consumerName: cfg.Durable,
		logger:       log,
	}, nil
}

// Run continuously fetches and processes device reports until the context
// is cancelled.
func (c *ingestConsumer) Run(ctx context.Context) {
	c.logger.Info().
		Str("stream", c.streamName).
		Str("consumer", c.consumerName).
		Msg("Starting ingest consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Stopping ingest consumer")
			return
		default:
			msgs, err := c.consumer.Fetch(ingestFetchBatch, jetstream.FetchMaxWait(ingestFetchMaxWait))
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				c.logger.Error().Err(err).Msg("Failed to fetch ingest messages")
				time.Sleep(time.Second)

				continue
			}

			for msg := range msgs.Messages() {
				c.handleMessage(ctx, msg)
			}

			if fetchErr := msgs.Error(); fetchErr != nil && ctx.Err() == nil {
				c.logger.Warn().Err(fetchErr).Msg("Ingest fetch error")
			}
		}
	}
}

func (c *ingestConsumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var ev models.DeviceEvent

	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		// Redelivery cannot fix a parse error.
		c.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping malformed device report")
		_ = msg.Ack()

		return
	}

	if ev.DeviceID == "" {
		ev.DeviceID = strings.TrimPrefix(msg.Subject(), ingestSubjectPrefix)
	}

	applied, err := c.ingestor.Ingest(ctx, &ev)
	if err != nil {
		c.nakOrDrop(msg, err)
		return
	}

	if !applied {
		c.logger.Debug().
			Str("device_id", ev.DeviceID).
			Str("event_id", ev.EventID).
			Msg("Stale or duplicate report dropped")
	}

	_ = msg.Ack()
}

// nakOrDrop leaves a rejected report for redelivery until the delivery
// budget is spent, then acks it away so the stream does not wedge.
func (c *ingestConsumer) nakOrDrop(msg jetstream.Msg, cause error) {
	meta, err := msg.Metadata()
	if err == nil && meta.NumDelivered < ingestMaxDeliver {
		c.logger.Debug().
			Err(cause).
			Str("subject", msg.Subject()).
			Uint64("delivered", meta.NumDelivered).
			Msg("Report rejected, leaving for redelivery")
		_ = msg.Nak()

		return
	}

	c.logger.Warn().Err(cause).Str("subject", msg.Subject()).Msg("Dropping device report")
	_ = msg.Ack()
}
