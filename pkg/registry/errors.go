package registry

import "errors"

var (
	// ErrInvalidDeviceID is returned when a device id is empty or blank.
	ErrInvalidDeviceID = errors.New("device id must not be empty")

	// ErrInvalidAddress is returned when a registration carries no address.
	ErrInvalidAddress = errors.New("device address must not be empty")

	// ErrAlreadyRegistered is returned when registering an id that is
	// already active.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrUnknownDevice is returned for operations on an id the registry
	// has never seen.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDeviceRetired is returned for state mutations on a retired device.
	ErrDeviceRetired = errors.New("device is retired")
)
