package events

import "sync/atomic"

type brokerStats struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// BrokerStats is a point-in-time snapshot of fan-out activity.
type BrokerStats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns delivery counters and the current subscriber count.
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		Subscribers: b.SubscriberCount(),
		Delivered:   b.stats.delivered.Load(),
		Dropped:     b.stats.dropped.Load(),
	}
}

type ingestStats struct {
	applied    atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
	rejected   atomic.Uint64
}

// IngestStats is a point-in-time snapshot of the ingest path.
type IngestStats struct {
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
	Stale      uint64 `json:"stale"`
	Rejected   uint64 `json:"rejected"`
}

// Stats returns ingest counters.
func (i *Ingestor) Stats() IngestStats {
	return IngestStats{
		Applied:    i.stats.applied.Load(),
		Duplicates: i.stats.duplicates.Load(),
		Stale:      i.stats.stale.Load(),
		Rejected:   i.stats.rejected.Load(),
	}
}
