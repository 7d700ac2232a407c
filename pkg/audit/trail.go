// Package audit records every security-relevant kernel decision in an
// append-only, hash-chained trail.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Action names what the kernel did.
type Action string

const (
	ActionAccept               Action = "accept"
	ActionDeny                 Action = "deny"
	ActionReject               Action = "reject"
	ActionDispatch             Action = "dispatch"
	ActionRevoke               Action = "revoke"
	ActionTTLExpired           Action = "ttl-expired"
	ActionDeadLetter           Action = "dead-letter"
	ActionCancel               Action = "cancel"
	ActionLoad                 Action = "load"
	ActionUnload               Action = "unload"
	ActionHotSwap              Action = "hot-swap"
	ActionDrainTimeout         Action = "drain-timeout"
	ActionResourceLimit        Action = "resource-limit"
	ActionDeterminismViolation Action = "determinism-violation"
	ActionSyscall              Action = "syscall"
	ActionModuleLog            Action = "module-log"
	ActionRestart              Action = "restart"
	ActionEscalate             Action = "escalate"
)

// Outcome is the result of the action.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeDenied     Outcome = "denied"
	OutcomeDropped    Outcome = "dropped"
	OutcomeFailed     Outcome = "failed"
	OutcomeTerminated Outcome = "terminated"
)

// GenesisHash seeds the chain.
var GenesisHash = func() string {
	h := sha256.Sum256([]byte("ESTA-KERNEL-GENESIS"))
	return hex.EncodeToString(h[:])
}()

// DefaultMaxEntries bounds in-memory retention.
const DefaultMaxEntries = 10_000

// Entry is what callers append.
type Entry struct {
	Timestamp contracts.LogicalTime
	Actor     contracts.ModuleID
	Action    Action
	Subject   string
	Outcome   Outcome
	Reason    string
}

// Record is a sealed trail entry.
type Record struct {
	Sequence  uint64                `json:"sequence"`
	Timestamp contracts.LogicalTime `json:"timestamp"`
	Actor     contracts.ModuleID    `json:"actor"`
	Action    Action                `json:"action"`
	Subject   string                `json:"subject,omitempty"`
	Outcome   Outcome               `json:"outcome"`
	Reason    string                `json:"reason,omitempty"`
	PrevHash  string                `json:"prevHash"`
	Hash      string                `json:"hash"`
}

// computeHash hashes the canonical (RFC 8785) JSON of r without its Hash.
func computeHash(r Record) (string, error) {
	r.Hash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Sink receives every sealed record in order.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Trail is the kernel's audit log.
type Trail struct {
	mu         sync.RWMutex
	records    []Record
	seq        uint64
	head       string
	maxEntries int
	sinks      []Sink
	logger     *slog.Logger
}

// NewTrail creates an empty trail retaining at most maxEntries records in
// memory. Sinks see every record regardless of retention.
func NewTrail(maxEntries int) *Trail {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Trail{
		head:       GenesisHash,
		maxEntries: maxEntries,
		logger:     slog.Default().With("component", "audit"),
	}
}

// WithLogger replaces the trail logger.
func (t *Trail) WithLogger(l *slog.Logger) *Trail {
	t.logger = l.With("component", "audit")
	return t
}

// AddSink attaches a sink.
func (t *Trail) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Append seals e onto the chain. The record is retained even when a sink
// fails; sink errors are returned joined.
func (t *Trail) Append(ctx context.Context, e Entry) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Record{
		Sequence:  t.seq + 1,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    e.Action,
		Subject:   e.Subject,
		Outcome:   e.Outcome,
		Reason:    e.Reason,
		PrevHash:  t.head,
	}
	hash, err := computeHash(r)
	if err != nil {
		return Record{}, fmt.Errorf("audit: %w", err)
	}
	r.Hash = hash
	t.seq = r.Sequence
	t.head = hash
	t.records = append(t.records, r)
	if over := len(t.records) - t.maxEntries; over > 0 {
		t.records = append([]Record(nil), t.records[over:]...)
	}

	var errs []error
	for _, s := range t.sinks {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		t.logger.ErrorContext(ctx, "audit sink failed", "sequence", r.Sequence, "error", err)
		return r, fmt.Errorf("audit: sink: %w", err)
	}
	return r, nil
}

// Records returns a copy of the retained records.
func (t *Trail) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.records...)
}

// Since returns retained records with sequence greater than seq.
func (t *Trail) Since(seq uint64) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.records {
		if r.Sequence > seq {
			out = append(out, r)
		}
	}
	return out
}

// Head returns the latest hash and sequence.
func (t *Trail) Head() (string, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head, t.seq
}

// Verify re-hashes the retained records and checks their links.
func (t *Trail) Verify() error {
	t.mu.RLock()
	records := append([]Record(nil), t.records...)
	t.mu.RUnlock()
	if len(records) == 0 {
		return nil
	}
	return VerifyChain(records, records[0].PrevHash)
}

// VerifyChain checks that records form an unbroken chain starting from
// prev. Pass GenesisHash for a full trail.
func VerifyChain(records []Record, prev string) error {
	for i, r := range records {
		if r.PrevHash != prev {
			return fmt.Errorf("audit: record %d (seq %d): prev hash mismatch", i, r.Sequence)
		}
		want, err := computeHash(r)
		if err != nil {
			return fmt.Errorf("audit: record %d: %w", i, err)
		}
		if r.Hash != want {
			return fmt.Errorf("audit: record %d (seq %d): hash mismatch", i, r.Sequence)
		}
		if i > 0 && r.Sequence != records[i-1].Sequence+1 {
			return fmt.Errorf("audit: record %d: sequence gap %d -> %d", i, records[i-1].Sequence, r.Sequence)
		}
		prev = r.Hash
	}
	return nil
}

// WriteJSONL writes records as canonical JSON lines.
func WriteJSONL(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		line, err := jcs.Transform(raw)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadJSONL parses records written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var out []Record
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("audit: decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
	return out, nil
}
