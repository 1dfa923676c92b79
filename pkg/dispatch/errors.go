package dispatch

import "errors"

var (
	// ErrDeviceBusy is returned when a device's pending command queue is
	// full. Callers should back off and resubmit rather than queue
	// unboundedly on the hub.
	ErrDeviceBusy = errors.New("device has too many pending commands")

	// ErrUnknownCommand is returned for lookups of a command id the
	// dispatcher is not tracking.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrCommandTerminal is returned when cancelling a command that has
	// already reached a terminal state.
	ErrCommandTerminal = errors.New("command already reached a terminal state")

	// ErrInvalidCommandID is returned for submissions with a blank id.
	ErrInvalidCommandID = errors.New("invalid command id")

	// ErrDispatcherStopped is returned for submissions after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)
