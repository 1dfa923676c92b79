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

// Package hub composes the device registry, command dispatcher, event
// ingestion, reconciliation loop, and HTTP API into one runnable service.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/hearth/pkg/api"
	"github.com/carverauto/hearth/pkg/dispatch"
	"github.com/carverauto/hearth/pkg/events"
	"github.com/carverauto/hearth/pkg/kv"
	"github.com/carverauto/hearth/pkg/lifecycle"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
	"github.com/carverauto/hearth/pkg/natsutil"
	"github.com/carverauto/hearth/pkg/reconciler"
	"github.com/carverauto/hearth/pkg/registry"
)

const (
	eventBridgeID     = "nats-bridge"
	eventBridgeBuffer = 1024
)

// Server is the hub service. Start wires the NATS transport, registry
// mirror, dispatcher, ingest consumer, notification bridge, reconciler, and
// HTTP API together; Stop tears them down in reverse.
type Server struct {
	config *models.HubConfig
	logger logger.Logger

	nc         *nats.Conn
	js         jetstream.JetStream
	store      *kv.NatsStore
	registry   *registry.DeviceRegistry
	broker     *events.Broker
	ingestor   *events.Ingestor
	dispatcher *dispatch.Dispatcher
	reconciler *reconciler.Reconciler
	apiServer  *api.APIServer
	publisher  *natsutil.EventPublisher
	consumer   *ingestConsumer
	ackSub     *nats.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer validates the configuration and returns an unstarted hub.
func NewServer(config *models.HubConfig, log logger.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}

	return &Server{config: config, logger: log}, nil
}

// Start implements lifecycle.Service. It returns once the hub is serving;
// background loops run until the context is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	nc, err := natsutil.ConnectWithSecurity(s.config.NATS.URL, s.config.NATS.Security, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s.nc = nc

	js, err := natsutil.JetStream(nc, s.config.NATS.Domain)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.js = js

	if err := s.buildRegistry(runCtx); err != nil {
		nc.Close()
		return err
	}

	if err := s.buildDispatch(); err != nil {
		nc.Close()
		return err
	}

	if err := s.startIngest(runCtx); err != nil {
		nc.Close()
		return err
	}

	if err := s.startEventBridge(runCtx); err != nil {
		nc.Close()
		return err
	}

	s.startReconciler(runCtx)
	s.startAPI()

	s.logger.Info().
		Str("listen_addr", s.config.ListenAddr).
		Str("nats_url", s.config.NATS.URL).
		Str("ingest_stream", s.config.Ingest.StreamName).
		Bool("events_enabled", s.config.Events.Enabled).
		Msg("Hub started")

	return nil
}

// buildRegistry creates the KV-mirrored device registry and replays any
// surviving snapshots from the bucket.
func (s *Server) buildRegistry(ctx context.Context) error {
	store, err := kv.NewNatsStoreFromConn(ctx, s.nc, s.config.KVBucket, time.Duration(s.config.KVTTL))
	if err != nil {
		return fmt.Errorf("failed to open KV bucket %s: %w", s.config.KVBucket, err)
	}

	s.store = store
	s.broker = events.NewBroker(s.logger)
	s.registry = registry.NewDeviceRegistry(s.logger,
		registry.WithNotifier(s.broker),
		registry.WithMirror(store))

	hydrated, err := s.registry.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate registry: %w", err)
	}

	if hydrated > 0 {
		s.logger.Info().Int("devices", hydrated).Msg("Registry hydrated from KV mirror")
	}

	s.ingestor = events.NewIngestor(s.registry, s.logger)

	return nil
}

func (s *Server) buildDispatch() error {
	transport := newNATSTransport(s.nc, s.logger)
	s.dispatcher = dispatch.NewDispatcher(s.registry, transport, s.logger,
		dispatch.WithPolicy(dispatchPolicy(s.config.Dispatch)),
		dispatch.WithNotifier(s.broker))

	return s.subscribeAcks()
}

func (s *Server) startIngest(ctx context.Context) error {
	if _, err := natsutil.EnsureStream(ctx, s.js, s.config.Ingest.StreamName, s.config.Ingest.Subjects); err != nil {
		return fmt.Errorf("failed to ensure ingest stream: %w", err)
	}

	consumer, err := newIngestConsumer(ctx, s.js, s.config.Ingest, s.ingestor, s.logger)
	if err != nil {
		return err
	}

	s.consumer = consumer

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		consumer.Run(ctx)
	}()

	return nil
}

// startEventBridge republishes every broker change as a CloudEvent on the
// notification stream. Disabled hubs still fan out to local subscribers.
func (s *Server) startEventBridge(ctx context.Context) error {
	if !s.config.Events.Enabled {
		return nil
	}

	publisher, err := natsutil.CreateEventPublisherWithDomain(
		ctx, s.nc, s.config.NATS.Domain, s.config.Events.StreamName, s.config.Events.Subjects)
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}

	s.publisher = publisher

	ch, err := s.broker.Subscribe(eventBridgeID, events.Filter{}, eventBridgeBuffer)
	if err != nil {
		return fmt.Errorf("failed to subscribe event bridge: %w", err)
	}

	s.wg.Add(1)

	go s.runEventBridge(ctx, ch)

	return nil
}

func (s *Server) runEventBridge(ctx context.Context, ch <-chan *models.StateChange) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}

			if err := s.publisher.PublishStateChange(ctx, change); err != nil {
				s.logger.Error().
					Err(err).
					Str("kind", string(change.Kind)).
					Str("device_id", change.DeviceID).
					Msg("Failed to publish notification")
			}
		}
	}
}

func (s *Server) startReconciler(ctx context.Context) {
	s.reconciler = reconciler.New(reconcilerConfig(s.config.Reconciler), s.registry, s.dispatcher, nil, s.logger)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.reconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Reconciler exited")
		}
	}()
}

func (s *Server) startAPI() {
	s.apiServer = api.NewAPIServer(s.config.CORS,
		api.WithRegistry(s.registry),
		api.WithDispatcher(s.dispatcher),
		api.WithBroker(s.broker),
		api.WithIngestor(s.ingestor),
		api.WithSweeper(s.reconciler),
		api.WithAPIKey(s.config.APIKey),
		api.WithLogger(s.logger))

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.apiServer.Start(s.config.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("listen_addr", s.config.ListenAddr).Msg("API server exited")
		}
	}()
}

// Stop implements lifecycle.Service. The NATS connection closes before the
// final wait so an in-flight ingest fetch unblocks.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	if s.reconciler != nil {
		_ = s.reconciler.Stop(ctx)
	}

	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("API server shutdown failed")
		}
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Dispatcher drain failed")
		}
	}

	if s.ackSub != nil {
		_ = s.ackSub.Unsubscribe()
	}

	if s.broker != nil {
		s.broker.Close()
	}

	if s.nc != nil {
		s.nc.Close()
	}

	s.wg.Wait()

	s.logger.Info().Msg("Hub stopped")

	return nil
}

// dispatchPolicy maps the config knobs onto the dispatcher policy, keeping
// the built-in defaults for anything unset.
func dispatchPolicy(cfg models.DispatchConfig) dispatch.Policy {
	p := dispatch.DefaultPolicy()

	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}

	if cfg.AckTimeout > 0 {
		p.AckTimeout = time.Duration(cfg.AckTimeout)
	}

	if cfg.BaseDelay > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelay)
	}

	if cfg.MaxDelay > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelay)
	}

	if cfg.Deadline > 0 {
		p.Deadline = time.Duration(cfg.Deadline)
	}

	if cfg.QueueDepth > 0 {
		p.QueueDepth = cfg.QueueDepth
	}

	if cfg.Jitter > 0 {
		p.Jitter = cfg.Jitter
	}

	if cfg.RetainTerminal > 0 {
		p.RetainTerminal = cfg.RetainTerminal
	}

	return p
}

func reconcilerConfig(cfg models.ReconcilerConfig) reconciler.Config {
	return reconciler.Config{
		Interval:      time.Duration(cfg.Interval),
		Staleness:     time.Duration(cfg.Staleness),
		MaxConcurrent: cfg.MaxConcurrent,
	}
}

var _ lifecycle.Service = (*Server)(nil)
