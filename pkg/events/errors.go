package events

import "errors"

var (
	// ErrDuplicateSubscriber is returned when a subscriber id is already
	// registered with the broker.
	ErrDuplicateSubscriber = errors.New("subscriber id already registered")

	// ErrUnknownSubscriber is returned when unsubscribing an id the broker
	// does not know.
	ErrUnknownSubscriber = errors.New("unknown subscriber")

	// ErrBrokerClosed is returned for subscriptions after Close.
	ErrBrokerClosed = errors.New("event broker closed")

	// ErrInvalidEvent is returned for ingested events missing a device id
	// or event type.
	ErrInvalidEvent = errors.New("invalid device event")
)
