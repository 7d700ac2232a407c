package router

import (
	"sync"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// DeadLetter is an undeliverable message and why it was parked.
type DeadLetter struct {
	Message contracts.Message     `json:"message"`
	Reason  string                `json:"reason"`
	At      contracts.LogicalTime `json:"at"`
}

// DeadLetterSink receives messages the router could not deliver.
type DeadLetterSink interface {
	Put(dl DeadLetter)
}

// MemoryDeadLetters keeps the most recent dead letters in memory.
type MemoryDeadLetters struct {
	mu       sync.Mutex
	capacity int
	items    []DeadLetter
}

// NewMemoryDeadLetters creates a sink holding at most capacity letters.
func NewMemoryDeadLetters(capacity int) *MemoryDeadLetters {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetters{capacity: capacity}
}

func (m *MemoryDeadLetters) Put(dl DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, dl)
	if over := len(m.items) - m.capacity; over > 0 {
		m.items = append([]DeadLetter(nil), m.items[over:]...)
	}
}

// Items returns a copy of the retained letters, oldest first.
func (m *MemoryDeadLetters) Items() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.items...)
}

// Len returns how many letters are retained.
func (m *MemoryDeadLetters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
