package gatt

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the typed errors below
var (
	ErrCapability              = errors.New("operation not permitted by characteristic capabilities")
	ErrDuplicateService        = errors.New("duplicate service")
	ErrDuplicateCharacteristic = errors.New("duplicate characteristic")
	ErrNotFound                = errors.New("not found")
)

// CapabilityError is returned when a read, write or monitor request is not
// allowed by the characteristic's capability set
type CapabilityError struct {
	UUID string     // Characteristic UUID
	Op   string     // "read", "write", "write_without_response", "monitor"
	Have Capability // What the characteristic actually supports
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("characteristic %s does not permit %s (capabilities: %s)", e.UUID, e.Op, e.Have)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapability
}

// DuplicateError is returned when a service or characteristic UUID is
// registered twice
type DuplicateError struct {
	Kind string // "service" or "characteristic"
	UUID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s %s", e.Kind, e.UUID)
}

func (e *DuplicateError) Is(target error) bool {
	switch target {
	case ErrDuplicateService:
		return e.Kind == "service"
	case ErrDuplicateCharacteristic:
		return e.Kind == "characteristic"
	}
	return false
}

// NotFoundError is returned for unknown services, characteristics,
// peripherals and valves
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsCapabilityError checks if err is (or wraps) a CapabilityError
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrCapability)
}

// IsNotFound checks if err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
