package central

import "github.com/user/aquaflush/gatt"

// Filter decides whether a discovered peripheral is reported
type Filter func(p *gatt.Peripheral) bool

// HasName accepts peripherals with a non-empty display name
func HasName() Filter {
	return func(p *gatt.Peripheral) bool {
		return p.Name != ""
	}
}

// NotKnown rejects peripherals whose id is in ids
func NotKnown(ids ...string) Filter {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return func(p *gatt.Peripheral) bool {
		return !known[p.ID]
	}
}

// All accepts a peripheral only when every filter does
func All(filters ...Filter) Filter {
	return func(p *gatt.Peripheral) bool {
		for _, f := range filters {
			if f != nil && !f(p) {
				return false
			}
		}
		return true
	}
}
