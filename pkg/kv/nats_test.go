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

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	return srv
}

func TestNatsStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	store, err := NewNatsStore(ctx, srv.ClientURL(), "hearth-devices", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, found, err := store.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "lamp-1", []byte(`{"power":"on"}`), 0))

	value, found, err := store.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"power":"on"}`, string(value))

	require.NoError(t, store.Put(ctx, "lamp-1", []byte(`{"power":"off"}`), 0))

	value, found, err = store.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"power":"off"}`, string(value))

	require.NoError(t, store.Delete(ctx, "lamp-1"))

	_, found, err = store.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is tolerated.
	require.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestNatsStoreKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	store, err := NewNatsStore(ctx, srv.ClientURL(), "hearth-devices", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, id := range []string{"lamp-1", "therm-1", "lock-1"} {
		require.NoError(t, store.Put(ctx, id, []byte(`{}`), 0))
	}

	require.NoError(t, store.Delete(ctx, "lock-1"))

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lamp-1", "therm-1"}, keys)
}

func TestNatsStoreFromConnLeavesConnectionOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	store, err := NewNatsStoreFromConn(ctx, nc, "hearth-devices", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "lamp-1", []byte(`{}`), 0))
	require.NoError(t, store.Close())

	// The shared connection stays usable after the store is closed.
	assert.False(t, nc.IsClosed())

	_, found, err := store.Get(ctx, "lamp-1")
	require.NoError(t, err)
	assert.True(t, found)
}
