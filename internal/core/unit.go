package core

import (
	"fmt"
	"time"
)

// Unit is the time multiplier applied to durations before they are reported.
type Unit int

const (
	UnitSeconds      Unit = 1
	UnitMilliseconds Unit = 1000
	UnitMicroseconds Unit = 1000000
)

// ParseUnit validates a raw time multiplier.
func ParseUnit(v int) (Unit, error) {
	switch u := Unit(v); u {
	case UnitSeconds, UnitMilliseconds, UnitMicroseconds:
		return u, nil
	default:
		return 0, fmt.Errorf("%w: %d (must be 1, 1000 or 1000000)", ErrInvalidUnit, v)
	}
}

// Convert expresses d in this unit. The nanosecond count is scaled before the
// division so that decimal inputs such as 1.5ms stay exact.
func (u Unit) Convert(d time.Duration) float64 {
	return float64(d.Nanoseconds()) * float64(u) / float64(time.Second)
}

// Suffix is the short unit name used in rendered output.
func (u Unit) Suffix() string {
	switch u {
	case UnitSeconds:
		return "s"
	case UnitMilliseconds:
		return "ms"
	case UnitMicroseconds:
		return "us"
	default:
		return "?"
	}
}
