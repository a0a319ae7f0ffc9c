package gatt

import "strings"

// Capability is the set of operations a characteristic permits.
// Bit values follow the GATT characteristic properties field.
type Capability uint8

const (
	Readable                Capability = 0x02
	WritableWithoutResponse Capability = 0x04
	WritableWithResponse    Capability = 0x08
	Notifiable              Capability = 0x10

	Writable = WritableWithResponse | WritableWithoutResponse
)

// Has reports whether every bit in want is present
func (c Capability) Has(want Capability) bool {
	return want != 0 && c&want == want
}

// Strings returns the property names in the form CoreBluetooth-style
// tooling prints them: "read", "write", "write_without_response", "notify"
func (c Capability) Strings() []string {
	var props []string
	if c&Readable != 0 {
		props = append(props, "read")
	}
	if c&WritableWithResponse != 0 {
		props = append(props, "write")
	}
	if c&WritableWithoutResponse != 0 {
		props = append(props, "write_without_response")
	}
	if c&Notifiable != 0 {
		props = append(props, "notify")
	}
	return props
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	return strings.Join(c.Strings(), "|")
}

// WriteMode selects write-with-response or write-without-response
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) capability() Capability {
	if m == WithoutResponse {
		return WritableWithoutResponse
	}
	return WritableWithResponse
}

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "write_without_response"
	}
	return "write"
}
