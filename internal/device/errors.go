package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrEntityNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a store already holds the home/node pair.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrEntityNotFound is returned when an entity does not exist.
	ErrEntityNotFound = errors.New("device: entity not found")

	// ErrEntityExists is returned when a store already holds the device/type/name triple.
	ErrEntityExists = errors.New("device: entity already exists")

	// ErrInvalidIdentity is returned when an identity fails topic validation.
	ErrInvalidIdentity = errors.New("device: invalid identity")
)
