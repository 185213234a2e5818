package mqtt

import "errors"

var (
	// ErrConnectionFailed is returned by Connect when the broker cannot be
	// reached within the connect timeout. HWM treats it as fatal only when
	// mqtt.enabled is set.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned by every operation while the broker link
	// is down. Paho reconnects in the background.
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	ErrInvalidQoS   = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
