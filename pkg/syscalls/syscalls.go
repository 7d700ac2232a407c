// Package syscalls mediates every module access to host resources. A call is
// capability checked on the kernel control path, then either answered by the
// kernel or forwarded to the host shell with explicit logical inputs.
package syscalls

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/entropy"
	"github.com/Mindburn-Labs/esta-kernel/pkg/observability"
)

// MaxRandomBytes bounds one sys.crypto.random call.
const MaxRandomBytes = 4096

// Call is a syscall request from a module.
type Call struct {
	Module contracts.ModuleID `json:"module"`
	// Tenant is the calling module's tenant; capabilities bound to another
	// tenant do not authorize the call.
	Tenant string `json:"tenant,omitempty"`
	Name   string `json:"name"`
	// Resource is checked against the capability pattern. Empty means the
	// syscall name itself.
	Resource string          `json:"resource,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (c Call) resource() string {
	if c.Resource != "" {
		return c.Resource
	}
	return c.Name
}

// HostRequest is what the host shell receives. Every input that could vary
// between runs is explicit.
type HostRequest struct {
	Module      contracts.ModuleID    `json:"module"`
	Syscall     string                `json:"syscall"`
	Resource    string                `json:"resource"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	LogicalTime contracts.LogicalTime `json:"logicalTime"`
	Seed        []byte                `json:"seed"`
}

// HostShell performs host-mediated operations on behalf of modules.
type HostShell interface {
	Invoke(ctx context.Context, req HostRequest) (json.RawMessage, error)
}

// Prepared is a syscall that passed mediation. Either Result is already
// set by the kernel, or Host must be forwarded to the host shell.
type Prepared struct {
	Call   Call
	Result json.RawMessage
	Host   *HostRequest
}

// Mediator checks and serves syscalls. Prepare must only be called from the
// kernel control path.
type Mediator struct {
	engine  *capability.Engine
	trail   *audit.Trail
	seed    []byte
	counter map[contracts.ModuleID]uint64
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewMediator creates a mediator. seed is the kernel boot seed.
func NewMediator(engine *capability.Engine, trail *audit.Trail, seed []byte) *Mediator {
	return &Mediator{
		engine:  engine,
		trail:   trail,
		seed:    seed,
		counter: make(map[contracts.ModuleID]uint64),
		logger:  slog.Default().With("component", "syscalls"),
	}
}

func (m *Mediator) WithLogger(l *slog.Logger) *Mediator {
	m.logger = l.With("component", "syscalls")
	return m
}

func (m *Mediator) WithMetrics(metrics *observability.Metrics) *Mediator {
	m.metrics = metrics
	return m
}

// Prepare mediates call at logical time now. Unknown names fail with
// UnknownSyscall and unauthorized calls with CapabilityDenied; both are
// audited. Kernel-served calls are answered immediately.
func (m *Mediator) Prepare(ctx context.Context, call Call, now contracts.LogicalTime) (*Prepared, error) {
	spec, err := Lookup(call.Name)
	if err != nil {
		m.record(ctx, call, now, audit.OutcomeDenied, contracts.ReasonOf(err))
		return nil, err
	}
	if _, err := m.engine.AuthorizeIn(call.Module, call.Tenant, spec.ResourceType, call.resource(), spec.Right, now); err != nil {
		m.record(ctx, call, now, audit.OutcomeDenied, contracts.ReasonOf(err))
		return nil, err
	}

	seed, err := m.nextSeed(call.Module)
	if err != nil {
		return nil, err
	}
	p := &Prepared{Call: call}
	if spec.Kernel {
		result, err := m.serve(ctx, call, now, seed)
		if err != nil {
			m.record(ctx, call, now, audit.OutcomeFailed, contracts.ReasonOf(err))
			return nil, err
		}
		p.Result = result
	} else {
		p.Host = &HostRequest{
			Module:      call.Module,
			Syscall:     call.Name,
			Resource:    call.resource(),
			Payload:     call.Payload,
			LogicalTime: now,
			Seed:        seed,
		}
	}
	m.record(ctx, call, now, audit.OutcomeOK, "")
	return p, nil
}

// Forward completes a prepared call. It is safe to call from a module
// worker; it touches no kernel state.
func Forward(ctx context.Context, host HostShell, p *Prepared) (json.RawMessage, error) {
	if p.Host == nil {
		return p.Result, nil
	}
	if host == nil {
		return nil, fmt.Errorf("syscalls: %s: no host shell configured", p.Call.Name)
	}
	out, err := host.Invoke(ctx, *p.Host)
	if err != nil {
		return nil, fmt.Errorf("syscalls: %s: %w", p.Call.Name, err)
	}
	return out, nil
}

// Invoke mediates and completes call synchronously.
func (m *Mediator) Invoke(ctx context.Context, host HostShell, call Call, now contracts.LogicalTime) (json.RawMessage, error) {
	p, err := m.Prepare(ctx, call, now)
	if err != nil {
		return nil, err
	}
	return Forward(ctx, host, p)
}

// Forget drops per-module state once a module instance is gone.
func (m *Mediator) Forget(module contracts.ModuleID) {
	delete(m.counter, module)
}

func (m *Mediator) nextSeed(module contracts.ModuleID) ([]byte, error) {
	n := m.counter[module]
	m.counter[module] = n + 1
	return entropy.Derive(m.seed, entropy.LabelSyscall, fmt.Sprintf("%s/%d", module, n), 32)
}

func (m *Mediator) serve(ctx context.Context, call Call, now contracts.LogicalTime, seed []byte) (json.RawMessage, error) {
	switch call.Name {
	case "sys.time.now":
		return json.Marshal(map[string]int64{"now": int64(now)})

	case "sys.audit.log":
		var req struct {
			Event  string `json:"event"`
			Detail string `json:"detail"`
		}
		if err := decodeArgs(call, &req); err != nil {
			return nil, err
		}
		if req.Event == "" {
			return nil, &contracts.SchemaValidationError{Field: "payload.event", Detail: "missing"}
		}
		rec, err := m.trail.Append(ctx, audit.Entry{
			Timestamp: now,
			Actor:     call.Module,
			Action:    audit.ActionModuleLog,
			Subject:   req.Event,
			Outcome:   audit.OutcomeOK,
			Reason:    req.Detail,
		})
		if err != nil {
			m.logger.WarnContext(ctx, "module audit sink failed", "module", call.Module, "error", err)
		}
		return json.Marshal(map[string]uint64{"sequence": rec.Sequence})

	case "sys.crypto.random":
		var req struct {
			N int `json:"n"`
		}
		if err := decodeArgs(call, &req); err != nil {
			return nil, err
		}
		if req.N <= 0 || req.N > MaxRandomBytes {
			return nil, &contracts.SchemaValidationError{Field: "payload.n", Detail: fmt.Sprintf("must be in 1..%d", MaxRandomBytes)}
		}
		b, err := entropy.Derive(seed, entropy.LabelRandom, string(call.Module), req.N)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"bytes": hex.EncodeToString(b)})

	case "sys.crypto.hash":
		var req struct {
			Data string `json:"data"`
		}
		if err := decodeArgs(call, &req); err != nil {
			return nil, err
		}
		sum := sha256.Sum256([]byte(req.Data))
		return json.Marshal(map[string]string{"sha256": hex.EncodeToString(sum[:])})
	}
	return nil, fmt.Errorf("syscalls: %s has no kernel implementation", call.Name)
}

func decodeArgs(call Call, v any) error {
	if len(call.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Payload, v); err != nil {
		return &contracts.SchemaValidationError{Field: "payload", Detail: err.Error()}
	}
	return nil
}

func (m *Mediator) record(ctx context.Context, call Call, now contracts.LogicalTime, outcome audit.Outcome, reason string) {
	if _, err := m.trail.Append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     call.Module,
		Action:    audit.ActionSyscall,
		Subject:   call.Name,
		Outcome:   outcome,
		Reason:    reason,
	}); err != nil {
		m.logger.WarnContext(ctx, "audit append failed", "syscall", call.Name, "error", err)
	}
	m.metrics.Syscall(ctx, call.Name, string(outcome))
}
