package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing while the session is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps a failed connection attempt. The manager
	// retries these indefinitely; they are never fatal.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is rejected or not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when subscribing after connect fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or wildcard topic is published to.
	ErrInvalidTopic = errors.New("mqtt: invalid publish topic")

	// ErrQueueFull is returned when the publish queue cannot take another message.
	ErrQueueFull = errors.New("mqtt: publish queue full")

	// ErrStopped is returned by operations on a stopped manager.
	ErrStopped = errors.New("mqtt: manager stopped")

	// ErrTimeout is returned when an acknowledgement does not arrive in time.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
