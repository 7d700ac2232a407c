// Package scheduler implements the kernel's preemptive priority scheduler:
// six FIFO lanes, per-class time slices, aging and TTL expiry, all driven by
// logical time.
//
// The scheduler is owned by the kernel control path. It does no locking of
// its own; every call must come from that single goroutine.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// DefaultAgingThreshold is the wait after which a ready entry is boosted.
const DefaultAgingThreshold = time.Second

var timeSlices = [contracts.NumPriorities]time.Duration{
	0, // system runs to completion
	10 * time.Millisecond,
	15 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

// TimeSlice returns the dispatch quantum of a class. Zero means the entry
// is never sliced.
func TimeSlice(p contracts.Priority) time.Duration {
	if !p.Valid() {
		return 0
	}
	return timeSlices[p.Index()]
}

// State is the lifecycle state of an entry.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EntryID identifies a scheduler entry.
type EntryID uint64

// Entry is one unit of scheduled work: a delivered message bound for a
// module.
type Entry struct {
	ID         EntryID               `json:"id"`
	Module     contracts.ModuleID    `json:"module"`
	Class      contracts.Priority    `json:"class"`
	Effective  contracts.Priority    `json:"effective"`
	EnqueuedAt contracts.LogicalTime `json:"enqueuedAt"`
	// WaitingSince starts the current wait period; aging measures from it.
	WaitingSince contracts.LogicalTime `json:"waitingSince"`
	Deadline   contracts.LogicalTime `json:"deadline,omitempty"`
	State      State                 `json:"state"`
	Message    contracts.Message     `json:"-"`

	// Instance is the loaded module version the entry was first dispatched
	// to. It stays bound across preemption.
	Instance contracts.ModuleID `json:"instance,omitempty"`
	// StartedAt is the logical time of the most recent dispatch.
	StartedAt   contracts.LogicalTime `json:"startedAt,omitempty"`
	Dispatched  bool                  `json:"dispatched"`
	Preemptions int                   `json:"preemptions"`

	seq     uint64
	boosted bool
}

// Boosted reports whether aging has promoted the entry in its current wait.
func (e *Entry) Boosted() bool { return e.boosted }

// Config tunes the scheduler.
type Config struct {
	// Slots is the number of entries that may run at once.
	Slots int
	// AgingThreshold is how long an entry waits before one boost.
	AgingThreshold time.Duration
}

// Runnable reports whether a module can accept a dispatch right now.
type Runnable func(module contracts.ModuleID) bool

// Scheduler holds every live entry.
type Scheduler struct {
	cfg      Config
	lanes    [contracts.NumPriorities][]*Entry
	entries  map[EntryID]*Entry
	messages map[uuid.UUID]EntryID
	occupant map[contracts.ModuleID]EntryID
	running  map[EntryID]*Entry
	nextID   EntryID
	nextSeq  uint64
	logger   *slog.Logger
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = DefaultAgingThreshold
	}
	return &Scheduler{
		cfg:      cfg,
		entries:  make(map[EntryID]*Entry),
		messages: make(map[uuid.UUID]EntryID),
		occupant: make(map[contracts.ModuleID]EntryID),
		running:  make(map[EntryID]*Entry),
		nextID:   1,
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// WithLogger replaces the scheduler logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l.With("component", "scheduler")
	return s
}

// Enqueue places msg in the Ready lane of its declared priority.
func (s *Scheduler) Enqueue(msg contracts.Message, module contracts.ModuleID, now contracts.LogicalTime) *Entry {
	e := &Entry{
		ID:         s.nextID,
		Module:     module,
		Class:      msg.Metadata.Priority,
		Effective:  msg.Metadata.Priority,
		EnqueuedAt: now,
		WaitingSince: now,
		State:      StateReady,
		Message:    msg,
		seq:        s.nextSeq,
	}
	if msg.Metadata.TTL > 0 {
		e.Deadline = now.Add(msg.Metadata.TTL)
	}
	s.nextID++
	s.nextSeq++
	s.entries[e.ID] = e
	s.messages[msg.Metadata.MessageID] = e.ID
	s.insert(e)
	return e
}

// insert places e in its effective lane ordered by (enqueuedAt, seq).
func (s *Scheduler) insert(e *Entry) {
	lane := s.lanes[e.Effective.Index()]
	i := sort.Search(len(lane), func(i int) bool { return before(e, lane[i]) })
	lane = append(lane, nil)
	copy(lane[i+1:], lane[i:])
	lane[i] = e
	s.lanes[e.Effective.Index()] = lane
}

func before(a, b *Entry) bool {
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.seq < b.seq
}

func (s *Scheduler) remove(e *Entry) {
	lane := s.lanes[e.Effective.Index()]
	for i, x := range lane {
		if x == e {
			s.lanes[e.Effective.Index()] = append(lane[:i], lane[i+1:]...)
			return
		}
	}
}

// dispatchable reports whether e could be handed to its module now.
func (s *Scheduler) dispatchable(e *Entry, runnable Runnable) bool {
	if occ, busy := s.occupant[e.Module]; busy && occ != e.ID {
		return false
	}
	return runnable == nil || runnable(e.Module)
}

// Next selects the entry to dispatch, or nil when no slot is free or nothing
// is dispatchable. Lanes are scanned from system to idle; within a lane the
// oldest dispatchable entry wins.
func (s *Scheduler) Next(now contracts.LogicalTime, runnable Runnable) *Entry {
	if len(s.running) >= s.cfg.Slots {
		return nil
	}
	for p := range s.lanes {
		for _, e := range s.lanes[p] {
			if !s.dispatchable(e, runnable) {
				continue
			}
			s.remove(e)
			e.State = StateRunning
			e.StartedAt = now
			e.Dispatched = true
			s.occupant[e.Module] = e.ID
			s.running[e.ID] = e
			return e
		}
	}
	return nil
}

// ShouldYield reports whether the running entry id must give up its slot at
// its next yield point: a strictly more urgent entry is waiting, or its
// slice is spent and an entry of equal or higher class is waiting.
func (s *Scheduler) ShouldYield(id EntryID, now contracts.LogicalTime, runnable Runnable) bool {
	e, ok := s.running[id]
	if !ok {
		return false
	}
	slice := TimeSlice(e.Effective)
	sliceSpent := slice > 0 && now.Sub(e.StartedAt) >= slice
	for p := contracts.PrioritySystem; p <= e.Effective; p++ {
		if p == e.Effective && !sliceSpent {
			break
		}
		for _, w := range s.lanes[p.Index()] {
			if w.Module != e.Module && s.dispatchable(w, runnable) {
				return true
			}
		}
	}
	return false
}

// Preempt returns a running entry to Ready. It keeps its original enqueue
// time and its worker occupancy, so it resumes ahead of later arrivals, but
// starts a new wait period for aging.
func (s *Scheduler) Preempt(id EntryID, now contracts.LogicalTime) error {
	e, ok := s.running[id]
	if !ok {
		return fmt.Errorf("scheduler: entry %d is not running", id)
	}
	delete(s.running, id)
	e.State = StateReady
	e.WaitingSince = now
	e.boosted = false
	e.Preemptions++
	s.insert(e)
	return nil
}

// Block parks a running entry awaiting a response. Its slot is released but
// its module stays occupied.
func (s *Scheduler) Block(id EntryID) error {
	e, ok := s.running[id]
	if !ok {
		return fmt.Errorf("scheduler: entry %d is not running", id)
	}
	delete(s.running, id)
	e.State = StateBlocked
	return nil
}

// Wake moves a blocked entry back to Ready. It starts a new wait period for
// aging purposes.
func (s *Scheduler) Wake(id EntryID, now contracts.LogicalTime) error {
	e, ok := s.entries[id]
	if !ok || e.State != StateBlocked {
		return fmt.Errorf("scheduler: entry %d is not blocked", id)
	}
	e.State = StateReady
	e.EnqueuedAt = now
	e.WaitingSince = now
	e.Effective = e.Class
	e.boosted = false
	s.insert(e)
	return nil
}

// Complete terminates a running entry and frees its module.
func (s *Scheduler) Complete(id EntryID) error {
	if _, ok := s.running[id]; !ok {
		return fmt.Errorf("scheduler: entry %d is not running", id)
	}
	s.Terminate(id)
	return nil
}

// Terminate removes an entry in any state.
func (s *Scheduler) Terminate(id EntryID) *Entry {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if e.State == StateReady {
		s.remove(e)
	}
	delete(s.running, id)
	delete(s.entries, id)
	if s.messages[e.Message.Metadata.MessageID] == id {
		delete(s.messages, e.Message.Metadata.MessageID)
	}
	if s.occupant[e.Module] == id {
		delete(s.occupant, e.Module)
	}
	e.State = StateTerminated
	return e
}

// Age boosts every Ready entry that has waited longer than the aging
// threshold in its current wait period. Each wait period boosts at most
// once and never into the system class. The boosted entries are returned.
func (s *Scheduler) Age(now contracts.LogicalTime) []*Entry {
	var boosted []*Entry
	for p := contracts.PriorityHigh; p <= contracts.PriorityIdle; p++ {
		for _, e := range s.lanes[p.Index()] {
			if e.boosted || now.Sub(e.WaitingSince) <= s.cfg.AgingThreshold {
				continue
			}
			boosted = append(boosted, e)
		}
	}
	for _, e := range boosted {
		s.remove(e)
		e.Effective = e.Effective.Boost()
		e.boosted = true
		s.insert(e)
		s.logger.Debug("entry aged", "entry", e.ID, "module", e.Module, "class", e.Class, "effective", e.Effective)
	}
	return boosted
}

// Expire drops queued entries that were never dispatched and whose TTL
// deadline has passed.
func (s *Scheduler) Expire(now contracts.LogicalTime) []*Entry {
	var expired []*Entry
	for p := range s.lanes {
		for _, e := range s.lanes[p] {
			if !e.Dispatched && e.Deadline > 0 && now >= e.Deadline {
				expired = append(expired, e)
			}
		}
	}
	for _, e := range expired {
		s.Terminate(e.ID)
	}
	return expired
}

// Get returns a live entry.
func (s *Scheduler) Get(id EntryID) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns live entries for module, ordered by ID.
func (s *Scheduler) Entries(module contracts.ModuleID) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if e.Module == module {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasMessage reports whether the message is still queued, running or
// blocked.
func (s *Scheduler) HasMessage(id uuid.UUID) bool {
	_, ok := s.messages[id]
	return ok
}

// Len returns the number of live entries.
func (s *Scheduler) Len() int { return len(s.entries) }

// Slots returns the number of entries that may run at once.
func (s *Scheduler) Slots() int { return s.cfg.Slots }

// Running returns the number of occupied slots.
func (s *Scheduler) Running() int { return len(s.running) }

// Depths returns the number of Ready entries per lane.
func (s *Scheduler) Depths() [contracts.NumPriorities]int {
	var out [contracts.NumPriorities]int
	for p := range s.lanes {
		out[p] = len(s.lanes[p])
	}
	return out
}

// SnapshotHash returns a deterministic hash of the lane contents.
func (s *Scheduler) SnapshotHash() string {
	type laneEntry struct {
		ID         EntryID               `json:"id"`
		Module     contracts.ModuleID    `json:"module"`
		MessageID  string                `json:"messageId"`
		Effective  contracts.Priority    `json:"effective"`
		EnqueuedAt contracts.LogicalTime `json:"enqueuedAt"`
	}
	snap := make([][]laneEntry, len(s.lanes))
	for p, lane := range s.lanes {
		snap[p] = make([]laneEntry, 0, len(lane))
		for _, e := range lane {
			snap[p] = append(snap[p], laneEntry{e.ID, e.Module, e.Message.Metadata.MessageID.String(), e.Effective, e.EnqueuedAt})
		}
	}
	data, _ := json.Marshal(snap)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
