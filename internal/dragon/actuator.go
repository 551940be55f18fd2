package dragon

import (
	"fmt"
	"strings"
)

// Actuator identifies one of the two fans.
type Actuator int

const (
	ActuatorA Actuator = iota
	ActuatorB
)

// Actuators lists both fans in wire order.
var Actuators = [...]Actuator{ActuatorA, ActuatorB}

func (a Actuator) String() string {
	switch a {
	case ActuatorA:
		return "A"
	case ActuatorB:
		return "B"
	default:
		return fmt.Sprintf("Actuator(%d)", int(a))
	}
}

// Valid reports whether a names a real fan.
func (a Actuator) Valid() bool {
	return a == ActuatorA || a == ActuatorB
}

// ParseActuator accepts "A" or "B" (case-insensitive, surrounding space ignored).
func ParseActuator(s string) (Actuator, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return ActuatorA, nil
	case "B":
		return ActuatorB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidActuator, s)
	}
}
