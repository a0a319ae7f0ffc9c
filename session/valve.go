package session

import (
	"fmt"
	"strings"
)

// Mode selects how a valve is driven
type Mode int

const (
	// Momentary valves run for Duration seconds, then close
	Momentary Mode = iota
	// Latching valves stay open until stopped
	Latching
)

func (m Mode) String() string {
	if m == Latching {
		return "latching"
	}
	return "momentary"
}

// ParseMode converts "momentary" / "latching" to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "momentary":
		return Momentary, nil
	case "latching":
		return Latching, nil
	default:
		return Momentary, fmt.Errorf("unknown valve mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Valve is the client-side view of one valve
type Valve struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Duration  int    `json:"duration"` // seconds
	Mode      Mode   `json:"mode"`
	IsActive  bool   `json:"is_active"`  // included in sequence runs
	IsRunning bool   `json:"is_running"` // started and not yet stopped or timed out
	Remaining int    `json:"remaining"`  // seconds, as last observed
}

// DefaultName is the name a valve gets on (re)configuration
func DefaultName(id int) string {
	return fmt.Sprintf("Valve %d", id)
}

func newValve(id, duration int) *Valve {
	return &Valve{
		ID:       id,
		Name:     DefaultName(id),
		Duration: duration,
		Mode:     Momentary,
	}
}
