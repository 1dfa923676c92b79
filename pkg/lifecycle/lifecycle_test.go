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

package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/hearth/pkg/logger"
)

type stubService struct {
	startErr error
	block    bool

	started atomic.Bool
	stopped atomic.Bool
}

func (s *stubService) Start(ctx context.Context) error {
	s.started.Store(true)

	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}

	return s.startErr
}

func (s *stubService) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestRunServerStopsOnContextCancel(t *testing.T) {
	svc := &stubService{}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := RunServer(ctx, &ServerOptions{
		ServiceName: "stub",
		Service:     svc,
		Logger:      logger.NewTestLogger(),
	})
	require.NoError(t, err)

	assert.True(t, svc.started.Load(), "service should have been started")
	assert.True(t, svc.stopped.Load(), "service should have been stopped")
}

func TestRunServerBlockingService(t *testing.T) {
	svc := &stubService{block: true}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := RunServer(ctx, &ServerOptions{
		ServiceName: "stub-blocking",
		Service:     svc,
		Logger:      logger.NewTestLogger(),
	})
	require.NoError(t, err)
	assert.True(t, svc.stopped.Load())
}

func TestRunServerPropagatesStartError(t *testing.T) {
	startErr := errors.New("boom")
	svc := &stubService{startErr: startErr}

	err := RunServer(context.Background(), &ServerOptions{
		ServiceName: "stub-failing",
		Service:     svc,
		Logger:      logger.NewTestLogger(),
	})
	require.ErrorIs(t, err, startErr)

	assert.True(t, svc.stopped.Load(), "failed service should still be stopped")
}

func TestRunServerHealthEndpoint(t *testing.T) {
	svc := &stubService{}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := RunServer(ctx, &ServerOptions{
		ListenAddr:        "127.0.0.1:0",
		ServiceName:       "stub-health",
		Service:           svc,
		EnableHealthCheck: true,
		Logger:            logger.NewTestLogger(),
	})
	require.NoError(t, err)
}
