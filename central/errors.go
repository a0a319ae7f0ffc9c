package central

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a scan or connect is requested while another
	// one is in flight. Requests are rejected, never queued.
	ErrBusy = errors.New("connection manager busy")

	// ErrNotConnected is returned by characteristic access with no
	// connected peripheral
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is wrapped by ConnectionError when the attempt ran out of time
	ErrTimeout = errors.New("connect timed out")

	// ErrCanceled is wrapped by ConnectionError when Disconnect aborted the attempt
	ErrCanceled = errors.New("connect canceled")

	// ErrNoKnownDevice is returned by Reconnect without a last-known id
	ErrNoKnownDevice = errors.New("no last known device")
)

// ConnectionError reports a failed or timed out connect attempt
type ConnectionError struct {
	ID  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
