package mqtt

import "errors"

var (
	// ErrInvalidHost is returned by Dial when the broker host is empty.
	ErrInvalidHost = errors.New("mqtt: invalid broker host")

	// ErrNotConnected is reported when a publish is attempted without a session.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("mqtt: supervisor closed")

	// ErrTimeout is reported when a broker round trip does not complete in time.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
