package events

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

const (
	defaultDedupeTTL        = 5 * time.Minute
	defaultDedupeMaxEntries = 4096
)

type dedupeKey struct {
	deviceID   string
	reportedAt int64
	eventType  string
	payloadSum uint64
}

type dedupeEntry struct {
	key dedupeKey
	at  time.Time
}

// dedupeCache remembers recently ingested events so exact duplicates can be
// dropped before they reach the registry. Entries age out after the TTL and
// the cache is bounded, evicting oldest-first.
type dedupeCache struct {
	ttl time.Duration
	max int

	mu      sync.Mutex
	seen    map[dedupeKey]time.Time
	entries []dedupeEntry
}

func newDedupeCache(ttl time.Duration, maxEntries int) *dedupeCache {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}

	if maxEntries <= 0 {
		maxEntries = defaultDedupeMaxEntries
	}

	return &dedupeCache{
		ttl:  ttl,
		max:  maxEntries,
		seen: make(map[dedupeKey]time.Time),
	}
}

// contains reports whether the key was recorded within the TTL window.
func (c *dedupeCache) contains(key dedupeKey, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]

	return ok && now.Sub(at) <= c.ttl
}

// record remembers the key, evicting expired and over-bound entries first.
func (c *dedupeCache) record(key dedupeKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)

	c.seen[key] = now
	c.entries = append(c.entries, dedupeEntry{key: key, at: now})
}

func (c *dedupeCache) evictLocked(now time.Time) {
	for len(c.entries) > 0 {
		head := c.entries[0]
		if len(c.entries) < c.max && now.Sub(head.at) <= c.ttl {
			break
		}

		c.entries = c.entries[1:]

		// A re-recorded key holds a newer timestamp; only drop the map
		// entry this ring slot actually owns.
		if at, ok := c.seen[head.key]; ok && at.Equal(head.at) {
			delete(c.seen, head.key)
		}
	}
}

func (c *dedupeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}

// dedupeKeyFor derives the duplicate-detection key for an event: device id,
// device-reported timestamp, event type, and a hash of the payload. Map
// marshalling sorts keys, so equal payloads hash equally.
func dedupeKeyFor(ev *models.DeviceEvent) dedupeKey {
	h := fnv.New64a()

	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			_, _ = h.Write(data)
		}
	}

	return dedupeKey{
		deviceID:   ev.DeviceID,
		reportedAt: ev.ReportedAt.UnixNano(),
		eventType:  ev.EventType,
		payloadSum: h.Sum64(),
	}
}
