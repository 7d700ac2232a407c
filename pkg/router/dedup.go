package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Dedup remembers accepted message IDs within a window bounded both by
// count and by logical age.
type Dedup struct {
	capacity  int
	retention time.Duration
	seen      map[uuid.UUID]contracts.LogicalTime
	order     []uuid.UUID
}

// NewDedup creates a window. A non-positive capacity or retention disables
// that bound.
func NewDedup(capacity int, retention time.Duration) *Dedup {
	return &Dedup{
		capacity:  capacity,
		retention: retention,
		seen:      make(map[uuid.UUID]contracts.LogicalTime),
	}
}

// Seen reports whether id was accepted within the window at now.
func (d *Dedup) Seen(id uuid.UUID, now contracts.LogicalTime) bool {
	d.evict(now)
	_, ok := d.seen[id]
	return ok
}

// Remember records id as accepted at now.
func (d *Dedup) Remember(id uuid.UUID, now contracts.LogicalTime) {
	if _, ok := d.seen[id]; ok {
		return
	}
	d.seen[id] = now
	d.order = append(d.order, id)
	d.evict(now)
}

// Len returns the number of remembered IDs.
func (d *Dedup) Len() int { return len(d.seen) }

func (d *Dedup) evict(now contracts.LogicalTime) {
	drop := 0
	for drop < len(d.order) {
		id := d.order[drop]
		over := d.capacity > 0 && len(d.order)-drop > d.capacity
		stale := d.retention > 0 && now.Sub(d.seen[id]) > d.retention
		if !over && !stale {
			break
		}
		delete(d.seen, id)
		drop++
	}
	if drop > 0 {
		d.order = append(d.order[:0], d.order[drop:]...)
	}
}
