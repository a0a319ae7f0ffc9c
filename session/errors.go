package session

import "errors"

var (
	// ErrEmptySequence is returned by RunSequence when no valve is active
	ErrEmptySequence = errors.New("no active valves in sequence")

	// ErrInvalidDuration is returned for negative durations
	ErrInvalidDuration = errors.New("duration must not be negative")
)
