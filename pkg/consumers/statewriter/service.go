package statewriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/lifecycle"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/natsutil"
)

const defaultRetryDelay = 5 * time.Second

// Service consumes hub notifications from JetStream and writes them to the
// Postgres history tables.
type Service struct {
	cfg       *StateWriterConfig
	logger    logger.Logger
	pool      *pgxpool.Pool
	processor *Processor

	// connectFactory builds the NATS side; replaceable in tests.
	connectFactory func(context.Context) (*nats.Conn, jetstream.JetStream, *Consumer, error)
	retryDelay     time.Duration

	mu sync.Mutex
	nc *nats.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService validates the configuration, connects to Postgres, and applies
// migrations. The NATS side is built lazily by the run loop so a broker
// outage only delays consumption.
func NewService(ctx context.Context, cfg *StateWriterConfig, log logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state writer config: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    log,
		pool:      pool,
		processor: NewProcessor(pool, log),
	}
	s.connectFactory = s.connect

	return s, nil
}

func (s *Service) connect(ctx context.Context) (*nats.Conn, jetstream.JetStream, *Consumer, error) {
	nc, err := natsutil.ConnectWithSecurity(s.cfg.NATSURL, s.cfg.Security, s.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := natsutil.JetStream(nc, s.cfg.Domain)
	if err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := natsutil.EnsureStream(ctx, js, s.cfg.StreamName, s.cfg.Subjects); err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	consumer, err := NewConsumer(ctx, js, s.cfg.StreamName, s.cfg.ConsumerName, s.cfg.Subjects, s.logger)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	return nc, js, consumer, nil
}

// Start implements lifecycle.Service. The run loop owns the NATS connection
// and rebuilds it after fatal consumer errors.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.connectFactory == nil {
		s.connectFactory = s.connect
	}

	s.wg.Add(1)

	go s.run(runCtx)

	s.logger.Info().
		Str("stream", s.cfg.StreamName).
		Str("consumer", s.cfg.ConsumerName).
		Msg("State writer started")

	return nil
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		nc, _, consumer, err := s.connectFactory(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to connect, retrying")

			if !s.pause(ctx) {
				return
			}

			continue
		}

		s.setConn(nc)

		err = consumer.ProcessMessages(ctx, s.processor)

		s.setConn(nil)

		if nc != nil {
			nc.Close()
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		s.logger.Warn().Err(err).Msg("Consumer stopped, reconnecting")

		if !s.pause(ctx) {
			return
		}
	}
}

func (s *Service) pause(ctx context.Context) bool {
	delay := s.retryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Service) setConn(nc *nats.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nc = nc
}

func (s *Service) currentConn() *nats.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nc
}

// Stop implements lifecycle.Service.
func (s *Service) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	if nc := s.currentConn(); nc != nil {
		// Unblocks an in-flight fetch.
		nc.Close()
	}

	s.wg.Wait()

	if s.pool != nil {
		s.pool.Close()
	}

	s.logger.Info().Msg("State writer stopped")

	return nil
}

var _ lifecycle.Service = (*Service)(nil)
