package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload matches any *MalformedPayloadError
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidAction is returned when encoding an action other than ON/OFF
	ErrInvalidAction = errors.New("invalid valve action")
)

// MalformedPayloadError reports a JSON parse failure or a schema mismatch
// while decoding a characteristic value
type MalformedPayloadError struct {
	Payload string // "configuration", "timer", "valve-control"
	Field   string // Offending field, empty when the document itself is bad
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed %s payload: field %s: %v", e.Payload, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %v", e.Payload, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// IsMalformed checks if err is (or wraps) a MalformedPayloadError
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}

func malformed(payload, field string, format string, args ...interface{}) error {
	return &MalformedPayloadError{Payload: payload, Field: field, Err: fmt.Errorf(format, args...)}
}
