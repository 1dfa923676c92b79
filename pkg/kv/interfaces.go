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

//go:generate mockgen -destination=mock_kv.go -package=kv github.com/carverauto/hearth/pkg/kv KVStore

import (
	"context"
	"time"
)

// KVStore is the key/value surface the hub persists device snapshots to.
// The registry treats it as a mirror: writes are best-effort and reads only
// happen during hydration at startup.
type KVStore interface {
	// Get retrieves the value for a key. found is false when the key does
	// not exist; that is not an error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores a value for a key. The ttl is advisory; stores with
	// bucket-level expiry may ignore it.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently in the bucket.
	Keys(ctx context.Context) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
