package statewriter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/logger"
)

const (
	defaultMaxPullMessages = 50
	defaultPullExpiry      = 30 * time.Second
	defaultMaxRetries      = 3
	consumerAckWait        = 30 * time.Second
	consumerMaxAckPending  = 1000
)

// pullConsumer is the slice of jetstream.Consumer the writer uses.
type pullConsumer interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Consumer wraps a JetStream pull consumer on the notification stream.
type Consumer struct {
	streamName   string
	consumerName string
	consumer     pullConsumer
	logger       logger.Logger
}

// NewConsumer creates or retrieves the durable pull consumer.
func NewConsumer(ctx context.Context, js jetstream.JetStream, streamName, consumerName string, subjects []string, log logger.Logger) (*Consumer, error) {
	consumer, err := js.Consumer(ctx, streamName, consumerName)
	if err != nil {
		cfg := jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       consumerAckWait,
			MaxDeliver:    defaultMaxRetries,
			MaxAckPending: consumerMaxAckPending,
		}

		if len(subjects) == 1 {
			cfg.FilterSubject = subjects[0]
		} else if len(subjects) > 1 {
			cfg.FilterSubjects = subjects
		}

		consumer, err = js.CreateConsumer(ctx, streamName, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s on stream %s: %w", consumerName, streamName, err)
		}
	}

	return &Consumer{
		streamName:   streamName,
		consumerName: consumerName,
		consumer:     consumer,
		logger:       log,
	}, nil
}

// isFatalFetchErr reports whether a fetch error means the connection or
// consumer is gone and the service should rebuild both.
func isFatalFetchErr(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, jetstream.ErrConsumerDeleted)
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []jetstream.Msg, processor *Processor) {
	processed, err := processor.ProcessBatch(ctx, msgs)
	if err != nil {
		c.logger.Error().Err(err).Int("batch_size", len(msgs)).Msg("Failed to process notification batch")

		for _, msg := range processed {
			metadata, metaErr := msg.Metadata()

			if metaErr == nil && metadata.NumDelivered >= defaultMaxRetries {
				_ = msg.Ack()
			} else {
				_ = msg.Nak()
			}
		}

		return
	}

	for _, msg := range processed {
		_ = msg.Ack()
	}
}

// ProcessMessages continuously fetches and writes notifications. It returns
// when the context ends or when a fatal transport error requires the caller
// to reconnect.
func (c *Consumer) ProcessMessages(ctx context.Context, processor *Processor) error {
	c.logger.Info().
		Str("stream", c.streamName).
		Str("consumer", c.consumerName).
		Msg("Starting notification consumer")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msgs, err := c.consumer.Fetch(defaultMaxPullMessages, jetstream.FetchMaxWait(defaultPullExpiry))
			if err != nil {
				if isFatalFetchErr(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}

				if ctx.Err() != nil {
					return ctx.Err()
				}

				c.logger.Error().Err(err).Msg("Failed to fetch notifications")
				time.Sleep(time.Second)

				continue
			}

			batch := make([]jetstream.Msg, 0, defaultMaxPullMessages)
			for msg := range msgs.Messages() {
				batch = append(batch, msg)
			}

			if len(batch) > 0 {
				c.handleBatch(ctx, batch, processor)
			}

			if fetchErr := msgs.Error(); fetchErr != nil {
				if isFatalFetchErr(fetchErr) {
					return fetchErr
				}

				if ctx.Err() == nil {
					c.logger.Warn().Err(fetchErr).Msg("Notification fetch error")
				}
			}
		}
	}
}
