// Package replay runs scripted kernel sessions. A script fixes the boot
// seed, the modules and every input, so running it twice must produce the
// same transcript byte for byte.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/kernel"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
)

// Step operations.
const (
	OpInstall  = "install"
	OpHotSwap  = "hotswap"
	OpUnload   = "unload"
	OpGrant    = "grant"
	OpAdvance  = "advance"
	OpSubmit   = "submit"
	OpDispatch = "dispatch"
	OpComplete = "complete"
	OpDrain    = "drain"
)

// Script is a scripted session.
type Script struct {
	Seed    string   `yaml:"seed" json:"seed"`
	Start   int64    `yaml:"start,omitempty" json:"start,omitempty"`
	Slots   int      `yaml:"slots,omitempty" json:"slots,omitempty"`
	Tenants []string `yaml:"tenants,omitempty" json:"tenants,omitempty"`
	Steps   []Step   `yaml:"steps" json:"steps"`
}

// Step is one scripted input. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op" json:"op"`

	// install, hotswap
	Module  *manifest.Manifest `yaml:"module,omitempty" json:"module,omitempty"`
	Replies map[string]Reply   `yaml:"replies,omitempty" json:"replies,omitempty"`
	// hotswap, unload
	Instance contracts.ModuleID `yaml:"instance,omitempty" json:"instance,omitempty"`

	// grant
	Holder      contracts.ModuleID `yaml:"holder,omitempty" json:"holder,omitempty"`
	Pattern     string             `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Rights      []string           `yaml:"rights,omitempty" json:"rights,omitempty"`
	MaxUseCount int                `yaml:"maxUseCount,omitempty" json:"maxUseCount,omitempty"`

	// advance
	Ms int64 `yaml:"ms,omitempty" json:"ms,omitempty"`

	// submit
	Message *Message `yaml:"message,omitempty" json:"message,omitempty"`

	// dispatch, complete
	Count int `yaml:"count,omitempty" json:"count,omitempty"`
}

// Message describes a submitted message. A missing ID is derived from the
// seed and the step index.
type Message struct {
	ID       string             `yaml:"id,omitempty" json:"id,omitempty"`
	Type     string             `yaml:"type" json:"type"`
	Source   contracts.ModuleID `yaml:"source" json:"source"`
	Target   contracts.ModuleID `yaml:"target" json:"target"`
	Opcode   string             `yaml:"opcode" json:"opcode"`
	Payload  any                `yaml:"payload,omitempty" json:"payload,omitempty"`
	Priority string             `yaml:"priority,omitempty" json:"priority,omitempty"`
	TTLMs    int64              `yaml:"ttlMs,omitempty" json:"ttlMs,omitempty"`
	ReplyTo  string             `yaml:"correlationId,omitempty" json:"correlationId,omitempty"`
}

// Reply is how a scripted module answers one opcode.
type Reply struct {
	Payload any      `yaml:"payload,omitempty" json:"payload,omitempty"`
	Error   string   `yaml:"error,omitempty" json:"error,omitempty"`
	Syscall *Syscall `yaml:"syscall,omitempty" json:"syscall,omitempty"`
}

// Syscall makes the reply the result of a syscall.
type Syscall struct {
	Name     string `yaml:"name" json:"name"`
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`
	Payload  any    `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// LoadScript reads a YAML or JSON script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML or JSON script, rejecting unknown fields.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("replay: parse script: %w", err)
	}
	if s.Seed == "" {
		return nil, errors.New("replay: script has no seed")
	}
	return &s, nil
}

// Event is the outcome of one step.
type Event struct {
	Step      int                   `json:"step"`
	Op        string                `json:"op"`
	At        contracts.LogicalTime `json:"at"`
	Module    contracts.ModuleID    `json:"module,omitempty"`
	Entries   []scheduler.EntryID   `json:"entries,omitempty"`
	Error     string                `json:"error,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Responses []contracts.Message   `json:"responses,omitempty"`
}

// Transcript is everything a run produced.
type Transcript struct {
	Events []Event
	Audit  []audit.Record
}

// Runner executes scripts.
type Runner struct {
	logger *slog.Logger
}

func NewRunner() *Runner {
	return &Runner{logger: slog.Default().With("component", "replay")}
}

func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l.With("component", "replay")
	return r
}

// Run executes script against a freshly booted kernel. Step failures are
// part of the transcript; only a kernel that cannot boot is an error.
func (r *Runner) Run(ctx context.Context, script *Script) (*Transcript, error) {
	sink := &audit.MemorySink{}
	tenants := script.Tenants
	if len(tenants) == 0 {
		tenants = []string{"default"}
	}
	s, err := kernel.Boot(kernel.Options{
		Seed:      []byte(script.Seed),
		Start:     contracts.LogicalTime(script.Start),
		Scheduler: scheduler.Config{Slots: script.Slots},
		Tenants:   tenants,
		Sinks:     []audit.Sink{sink},
		Logger:    r.logger,
	})
	if err != nil {
		return nil, err
	}

	sess := &session{
		state:     s,
		namespace: uuid.NewSHA1(uuid.NameSpaceOID, []byte(script.Seed)),
	}
	out := &Transcript{}
	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := sess.apply(ctx, i, step)
		ev.Responses = s.Outbox()
		out.Events = append(out.Events, ev)
	}
	if err := s.Shutdown(ctx); err != nil {
		r.logger.WarnContext(ctx, "replay shutdown", "error", err)
	}
	if tail := s.Outbox(); len(tail) > 0 {
		out.Events = append(out.Events, Event{Step: len(script.Steps), Op: "shutdown", At: s.Now(), Responses: tail})
	}
	out.Audit = sink.Records()
	r.logger.InfoContext(ctx, "script replayed", "steps", len(script.Steps), "audit_records", len(out.Audit))
	return out, nil
}

type session struct {
	state     *kernel.State
	namespace uuid.UUID
	running   []*kernel.Dispatch
}

func (s *session) apply(ctx context.Context, i int, step Step) Event {
	ev := Event{Step: i, Op: step.Op}
	err := s.do(ctx, i, step, &ev)
	ev.At = s.state.Now()
	if err != nil {
		ev.Error = err.Error()
		ev.Reason = contracts.ReasonOf(err)
	}
	return ev
}

func (s *session) do(ctx context.Context, i int, step Step, ev *Event) error {
	switch step.Op {
	case OpInstall:
		if step.Module == nil {
			return errors.New("install: module is required")
		}
		id, err := s.state.Install(ctx, step.Module, replies(step.Replies))
		ev.Module = id
		return err

	case OpHotSwap:
		if step.Module == nil {
			return errors.New("hotswap: module is required")
		}
		id, err := s.state.HotSwap(ctx, step.Instance, step.Module, replies(step.Replies))
		ev.Module = id
		return err

	case OpUnload:
		ev.Module = step.Instance
		_, err := s.state.Unload(ctx, step.Instance)
		return err

	case OpGrant:
		rights, err := capability.ParseRights(step.Rights)
		if err != nil {
			return err
		}
		limit := step.MaxUseCount
		if limit == 0 {
			limit = capability.Unlimited
		}
		tenant := ""
		if ts := s.state.Loader().Catalog().Tenants(); len(ts) > 0 {
			tenant = ts[0]
		}
		_, err = s.state.Engine().Issue(step.Holder, []capability.Grant{{
			Resource:    capability.Resource{Type: router.ResourceTypeIPC, Pattern: step.Pattern, TenantID: tenant},
			Rights:      rights,
			MaxUseCount: limit,
		}})
		return err

	case OpAdvance:
		_, err := s.state.Advance(ctx, time.Duration(step.Ms)*time.Millisecond)
		return err

	case OpSubmit:
		msg, err := s.message(i, step.Message)
		if err != nil {
			return err
		}
		ack, err := s.state.Submit(ctx, msg)
		if ack.Entry != 0 {
			ev.Entries = append(ev.Entries, ack.Entry)
		}
		return err

	case OpDispatch:
		for n := 0; n < count(step.Count); n++ {
			d, ok := s.state.Next(ctx)
			if !ok {
				break
			}
			s.running = append(s.running, d)
			ev.Entries = append(ev.Entries, d.Entry)
		}
		return nil

	case OpComplete:
		for n := 0; n < count(step.Count) && len(s.running) > 0; n++ {
			d := s.running[0]
			s.running = s.running[1:]
			ev.Entries = append(ev.Entries, d.Entry)
			if err := s.complete(ctx, d); err != nil {
				return err
			}
		}
		return nil

	case OpDrain:
		_, err := s.state.Drain(ctx)
		return err
	}
	return fmt.Errorf("unknown step op %q", step.Op)
}

func count(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// complete runs the handler of a dispatched entry on the session goroutine.
func (s *session) complete(ctx context.Context, d *kernel.Dispatch) error {
	out, herr := s.state.Run(ctx, d)
	_, err := s.state.Complete(ctx, d.Entry, out, herr)
	return err
}

func (s *session) message(i int, spec *Message) (contracts.Message, error) {
	if spec == nil {
		return contracts.Message{}, errors.New("submit: message is required")
	}
	var payload json.RawMessage
	if spec.Payload != nil {
		b, err := json.Marshal(spec.Payload)
		if err != nil {
			return contracts.Message{}, fmt.Errorf("submit: payload: %w", err)
		}
		payload = b
	}
	msg := contracts.NewMessage(contracts.MessageType(spec.Type), spec.Source, spec.Target, spec.Opcode, payload)
	msg.Metadata.MessageID = uuid.NewSHA1(s.namespace, []byte(fmt.Sprintf("step/%d", i)))
	if spec.ID != "" {
		id, err := uuid.Parse(spec.ID)
		if err != nil {
			return contracts.Message{}, fmt.Errorf("submit: id: %w", err)
		}
		msg.Metadata.MessageID = id
	}
	if spec.ReplyTo != "" {
		id, err := uuid.Parse(spec.ReplyTo)
		if err != nil {
			return contracts.Message{}, fmt.Errorf("submit: correlationId: %w", err)
		}
		msg.Metadata.CorrelationID = id
	}
	if spec.Priority != "" {
		p, err := contracts.ParsePriority(spec.Priority)
		if err != nil {
			return contracts.Message{}, err
		}
		msg.Metadata.Priority = p
	}
	msg.Metadata.TTL = time.Duration(spec.TTLMs) * time.Millisecond
	return msg, nil
}

// replies builds a handler answering each opcode as scripted.
func replies(table map[string]Reply) kernel.Handler {
	mux := kernel.NewMux()
	for op, rep := range table {
		mux.Register(op, scripted(rep))
	}
	return mux
}

func scripted(rep Reply) kernel.HandlerFunc {
	return func(ctx context.Context, env kernel.Env, _ contracts.Message) (json.RawMessage, error) {
		switch {
		case rep.Error != "":
			return nil, errors.New(rep.Error)
		case rep.Syscall != nil:
			var payload json.RawMessage
			if rep.Syscall.Payload != nil {
				b, err := json.Marshal(rep.Syscall.Payload)
				if err != nil {
					return nil, err
				}
				payload = b
			}
			return env.Syscall(ctx, rep.Syscall.Name, rep.Syscall.Resource, payload)
		case rep.Payload != nil:
			return json.Marshal(rep.Payload)
		}
		return nil, nil
	}
}

type line struct {
	Event *Event        `json:"event,omitempty"`
	Audit *audit.Record `json:"audit,omitempty"`
}

// Lines renders the transcript as canonical JSON lines: every event in
// step order, then every audit record.
func (t *Transcript) Lines() ([]string, error) {
	out := make([]string, 0, len(t.Events)+len(t.Audit))
	add := func(l line) error {
		raw, err := json.Marshal(l)
		if err != nil {
			return err
		}
		c, err := jcs.Transform(raw)
		if err != nil {
			return err
		}
		out = append(out, string(c))
		return nil
	}
	for i := range t.Events {
		if err := add(line{Event: &t.Events[i]}); err != nil {
			return nil, fmt.Errorf("replay: encode event %d: %w", i, err)
		}
	}
	for i := range t.Audit {
		if err := add(line{Audit: &t.Audit[i]}); err != nil {
			return nil, fmt.Errorf("replay: encode audit record %d: %w", i, err)
		}
	}
	return out, nil
}

// WriteJSONL writes Lines to w.
func (t *Transcript) WriteJSONL(w io.Writer) error {
	lines, err := t.Lines()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		if _, err := bw.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes returns the JSONL encoding.
func (t *Transcript) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteJSONL(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Diff compares two transcripts line by line. It returns "" when they are
// identical.
func Diff(a, b *Transcript) (string, error) {
	la, err := a.Lines()
	if err != nil {
		return "", err
	}
	lb, err := b.Lines()
	if err != nil {
		return "", err
	}
	return cmp.Diff(la, lb), nil
}

// Verify runs script n times and reports the first divergence.
func (r *Runner) Verify(ctx context.Context, script *Script, n int) (*Transcript, error) {
	if n < 2 {
		n = 2
	}
	first, err := r.Run(ctx, script)
	if err != nil {
		return nil, err
	}
	for i := 1; i < n; i++ {
		next, err := r.Run(ctx, script)
		if err != nil {
			return nil, err
		}
		diff, err := Diff(first, next)
		if err != nil {
			return nil, err
		}
		if diff != "" {
			return first, fmt.Errorf("replay: run %d diverged (-first +run):\n%s", i+1, strings.TrimSpace(diff))
		}
	}
	return first, nil
}
