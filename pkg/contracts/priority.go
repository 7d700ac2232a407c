package contracts

import "fmt"

// Priority is a scheduling class. Lower values are more urgent. The zero
// value is unset and fails validation.
type Priority int

const (
	PriorityUnset Priority = iota
	PrioritySystem
	PriorityRealtime
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityIdle
)

// NumPriorities is the number of scheduling classes.
const NumPriorities = int(PriorityIdle - PrioritySystem + 1)

var priorityNames = [NumPriorities]string{"system", "realtime", "high", "normal", "low", "idle"}

// Valid reports whether p is a defined class.
func (p Priority) Valid() bool {
	return p >= PrioritySystem && p <= PriorityIdle
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p.Index()]
}

// Index is the position of a valid class in per-class tables, system first.
func (p Priority) Index() int { return int(p - PrioritySystem) }

// PriorityAt returns the class at position i of a per-class table.
func PriorityAt(i int) Priority { return PrioritySystem + Priority(i) }

// Boost returns the next more urgent class. Aging never promotes into system.
func (p Priority) Boost() Priority {
	if p <= PriorityRealtime {
		return p
	}
	return p - 1
}

// ParsePriority parses a class name.
func ParsePriority(s string) (Priority, error) {
	for i, n := range priorityNames {
		if n == s {
			return PriorityAt(i), nil
		}
	}
	return PriorityUnset, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(priorityNames[p.Index()]), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
