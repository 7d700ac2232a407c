// Package loader manages module lifecycle: load, start, unload and hot-swap.
// A module is never started with fewer capabilities than its manifest
// declares; loads are all-or-nothing.
//
// Like the scheduler, the loader belongs to the kernel control path and does
// no locking of its own.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/observability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
)

// DefaultDrainTimeout bounds how long a draining module may keep in-flight
// work.
const DefaultDrainTimeout = 5 * time.Second

var ErrModuleNotFound = errors.New("module not found")

// State is a module lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LoadError explains why a manifest could not be loaded or swapped in.
type LoadError struct {
	Module contracts.ModuleID
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s: %s", e.Module, e.Reason)
	}
	return fmt.Sprintf("load %s: %s: %v", e.Module, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Stats counts activity of one module instance.
type Stats struct {
	Invocations uint64 `json:"invocations"`
	Errors      uint64 `json:"errors"`
	Syscalls    uint64 `json:"syscalls"`
}

// Module is the loader's record of one module instance.
type Module struct {
	ID           contracts.ModuleID    `json:"id"`
	Name         contracts.ModuleID    `json:"name"`
	Version      string                `json:"version"`
	Tenant       string                `json:"tenant"`
	State        State                 `json:"state"`
	Capabilities []capability.ID       `json:"capabilities"`
	Budget       manifest.Budget       `json:"budget"`
	Exports      []string              `json:"exports"`
	LoadedAt     contracts.LogicalTime `json:"loadedAt"`
	// DrainDeadline is set while the module is draining.
	DrainDeadline contracts.LogicalTime `json:"drainDeadline,omitempty"`
	InFlight      int                   `json:"inFlight"`
	Stats         Stats                 `json:"stats"`

	Manifest *manifest.Manifest `json:"-"`
}

// UnloadHook is told about every module that reaches Unloaded.
type UnloadHook func(m Module)

// Loader owns the module table.
type Loader struct {
	engine       *capability.Engine
	routes       *router.Table
	trail        *audit.Trail
	catalog      *Catalog
	drainTimeout time.Duration
	modules      map[contracts.ModuleID]*Module
	active       map[contracts.ModuleID]contracts.ModuleID
	hooks        []UnloadHook
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// New creates a loader issuing from engine and publishing exports to routes.
func New(engine *capability.Engine, routes *router.Table, trail *audit.Trail, catalog *Catalog) *Loader {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Loader{
		engine:       engine,
		routes:       routes,
		trail:        trail,
		catalog:      catalog,
		drainTimeout: DefaultDrainTimeout,
		modules:      make(map[contracts.ModuleID]*Module),
		active:       make(map[contracts.ModuleID]contracts.ModuleID),
		logger:       slog.Default().With("component", "loader"),
	}
}

func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	l.logger = logger.With("component", "loader")
	return l
}

func (l *Loader) WithMetrics(m *observability.Metrics) *Loader {
	l.metrics = m
	return l
}

// WithDrainTimeout sets the bound on draining. Zero keeps the default.
func (l *Loader) WithDrainTimeout(d time.Duration) *Loader {
	if d > 0 {
		l.drainTimeout = d
	}
	return l
}

// OnUnload registers a hook run after a module is unloaded.
func (l *Loader) OnUnload(h UnloadHook) {
	l.hooks = append(l.hooks, h)
}

// Catalog returns the resource catalog used for load checks.
func (l *Loader) Catalog() *Catalog { return l.catalog }

// Load admits m in the Ready state. Nothing is issued or routed unless every
// capability request can be satisfied.
func (l *Loader) Load(ctx context.Context, m *manifest.Manifest, now contracts.LogicalTime) (contracts.ModuleID, error) {
	if cur, ok := l.active[m.Logical()]; ok {
		err := &LoadError{Module: m.ID(), Reason: "name-in-use", Err: fmt.Errorf("%s is running; use hot-swap", cur)}
		l.recordLoad(ctx, m.ID(), now, audit.OutcomeDenied, err.Reason)
		return "", err
	}
	mod, err := l.load(ctx, m, now)
	if err != nil {
		return "", err
	}
	return mod.ID, nil
}

func (l *Loader) load(ctx context.Context, m *manifest.Manifest, now contracts.LogicalTime) (*Module, error) {
	id := m.ID()
	fail := func(reason string, cause error) (*Module, error) {
		l.recordLoad(ctx, id, now, audit.OutcomeDenied, reason)
		return nil, &LoadError{Module: id, Reason: reason, Err: cause}
	}

	if err := m.Validate(); err != nil {
		return fail("invalid-manifest", err)
	}
	if _, ok := l.modules[id]; ok {
		return fail("already-loaded", nil)
	}
	if err := l.catalog.CheckTenant(m.Tenant); err != nil {
		return fail("tenant", err)
	}

	mod := &Module{
		ID:       id,
		Name:     m.Logical(),
		Version:  m.Version,
		Tenant:   m.Tenant,
		State:    StateLoading,
		Budget:   m.Budget,
		LoadedAt: now,
		Manifest: m,
	}
	for i, req := range m.Capabilities {
		if err := l.catalog.Check(req); err != nil {
			return fail("unsatisfiable-capability", fmt.Errorf("capabilities[%d]: %w", i, err))
		}
	}
	grants, err := m.Grants(now)
	if err != nil {
		return fail("invalid-manifest", err)
	}
	caps, err := l.engine.Issue(id, grants)
	if err != nil {
		return fail("unsatisfiable-capability", err)
	}
	if err := l.routes.Register(id, m.Tenant, m.Exports); err != nil {
		l.engine.RevokeHolder(id)
		return fail("invalid-export", err)
	}

	for _, c := range caps {
		mod.Capabilities = append(mod.Capabilities, c.ID)
	}
	for _, ex := range m.Exports {
		mod.Exports = append(mod.Exports, ex.Opcode)
	}
	mod.State = StateReady
	l.modules[id] = mod
	l.metrics.ModuleDelta(ctx, 1)
	l.recordLoad(ctx, id, now, audit.OutcomeOK, fmt.Sprintf("%d capabilities", len(caps)))
	l.logger.InfoContext(ctx, "module loaded", "module", id, "tenant", m.Tenant, "capabilities", len(caps), "exports", len(mod.Exports))
	return mod, nil
}

// Start moves a Ready module to Running and makes it the active instance of
// its logical name.
func (l *Loader) Start(id contracts.ModuleID) error {
	mod, ok := l.modules[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrModuleNotFound)
	}
	if mod.State != StateReady {
		return fmt.Errorf("start %s: module is %s", id, mod.State)
	}
	mod.State = StateRunning
	l.active[mod.Name] = id
	return nil
}

// Unload begins draining id. The module finishes its in-flight work and is
// unloaded when the last invocation ends or the drain timeout passes. It
// reports whether the module was unloaded immediately.
func (l *Loader) Unload(ctx context.Context, id contracts.ModuleID, now contracts.LogicalTime) (bool, error) {
	mod, ok := l.modules[id]
	if !ok {
		return false, fmt.Errorf("unload %s: %w", id, ErrModuleNotFound)
	}
	if mod.State == StateDraining {
		return false, nil
	}
	if inst, ok := l.routes.Instance(mod.Name); ok && inst == id {
		l.routes.MarkDraining(mod.Name)
	}
	l.drain(mod, now)
	if mod.InFlight == 0 {
		l.finalize(ctx, mod, now, "unload")
		return true, nil
	}
	l.logger.InfoContext(ctx, "module draining", "module", id, "in_flight", mod.InFlight, "deadline", mod.DrainDeadline)
	return false, nil
}

func (l *Loader) drain(mod *Module, now contracts.LogicalTime) {
	mod.State = StateDraining
	mod.DrainDeadline = now.Add(l.drainTimeout)
	if l.active[mod.Name] == mod.ID {
		delete(l.active, mod.Name)
	}
}

// HotSwap replaces the running instance old with a new version of the same
// module. The new version is loaded and started before old starts draining,
// so every message for the logical name has somewhere to go.
func (l *Loader) HotSwap(ctx context.Context, old contracts.ModuleID, next *manifest.Manifest, now contracts.LogicalTime) (contracts.ModuleID, error) {
	prev, ok := l.modules[old]
	if !ok {
		return "", fmt.Errorf("hot-swap %s: %w", old, ErrModuleNotFound)
	}
	fail := func(reason string, cause error) (contracts.ModuleID, error) {
		l.record(ctx, now, next.ID(), audit.ActionHotSwap, string(old), audit.OutcomeDenied, reason)
		return "", &LoadError{Module: next.ID(), Reason: reason, Err: cause}
	}
	if prev.State != StateRunning && prev.State != StateReady {
		return fail("not-running", fmt.Errorf("%s is %s", old, prev.State))
	}
	if next.Logical() != prev.Name {
		return fail("name-mismatch", fmt.Errorf("%s cannot replace %s", next.Name, prev.Name))
	}
	nv, err := next.SemVer()
	if err != nil {
		return fail("invalid-version", err)
	}
	pv, err := prev.Manifest.SemVer()
	if err != nil {
		return fail("invalid-version", err)
	}
	if nv.Equal(pv) {
		return fail("same-version", fmt.Errorf("%s is already loaded", nv))
	}
	if nv.LessThan(pv) {
		l.logger.WarnContext(ctx, "hot-swap downgrades module", "from", old, "to", next.ID())
	}

	mod, err := l.load(ctx, next, now)
	if err != nil {
		return "", err
	}
	l.drain(prev, now)
	mod.State = StateRunning
	l.active[mod.Name] = mod.ID
	l.record(ctx, now, mod.ID, audit.ActionHotSwap, string(old), audit.OutcomeOK, "")
	l.logger.InfoContext(ctx, "module hot-swapped", "from", old, "to", mod.ID, "old_in_flight", prev.InFlight)
	if prev.InFlight == 0 {
		l.finalize(ctx, prev, now, "hot-swap")
	}
	return mod.ID, nil
}

// BeginInvocation counts a dispatch bound to id.
func (l *Loader) BeginInvocation(id contracts.ModuleID) error {
	mod, ok := l.modules[id]
	if !ok {
		return fmt.Errorf("invoke %s: %w", id, ErrModuleNotFound)
	}
	if mod.State != StateRunning && mod.State != StateDraining {
		return fmt.Errorf("invoke %s: module is %s", id, mod.State)
	}
	mod.InFlight++
	mod.Stats.Invocations++
	return nil
}

// EndInvocation releases an invocation. A draining module whose last
// invocation ends is unloaded; the result reports that.
func (l *Loader) EndInvocation(ctx context.Context, id contracts.ModuleID, failed bool, now contracts.LogicalTime) bool {
	mod, ok := l.modules[id]
	if !ok {
		return false
	}
	if mod.InFlight > 0 {
		mod.InFlight--
	}
	if failed {
		mod.Stats.Errors++
	}
	if mod.State == StateDraining && mod.InFlight == 0 {
		l.finalize(ctx, mod, now, "drained")
		return true
	}
	return false
}

// RecordSyscall counts a syscall made by id.
func (l *Loader) RecordSyscall(id contracts.ModuleID) {
	if mod, ok := l.modules[id]; ok {
		mod.Stats.Syscalls++
	}
}

// ExpiredDrains lists draining modules whose deadline has passed while
// they still have in-flight work, in ID order.
func (l *Loader) ExpiredDrains(now contracts.LogicalTime) []contracts.ModuleID {
	var out []contracts.ModuleID
	for id, mod := range l.modules {
		if mod.State == StateDraining && mod.InFlight > 0 && now >= mod.DrainDeadline {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForceUnload terminates id regardless of in-flight work. action and cause
// describe why, e.g. a drain timeout or a determinism violation.
func (l *Loader) ForceUnload(ctx context.Context, id contracts.ModuleID, action audit.Action, cause error, now contracts.LogicalTime) error {
	mod, ok := l.modules[id]
	if !ok {
		return fmt.Errorf("force unload %s: %w", id, ErrModuleNotFound)
	}
	l.record(ctx, now, contracts.KernelModule, action, string(id), audit.OutcomeTerminated, contracts.ReasonOf(cause))
	l.logger.WarnContext(ctx, "module terminated", "module", id, "action", action, "in_flight", mod.InFlight, "error", cause)
	if inst, ok := l.routes.Instance(mod.Name); ok && inst == id {
		l.routes.MarkDraining(mod.Name)
	}
	if mod.State != StateDraining {
		l.drain(mod, now)
	}
	mod.InFlight = 0
	l.finalize(ctx, mod, now, string(action))
	return nil
}

func (l *Loader) finalize(ctx context.Context, mod *Module, now contracts.LogicalTime, why string) {
	for _, capID := range l.engine.RevokeHolder(mod.ID) {
		l.record(ctx, now, contracts.KernelModule, audit.ActionRevoke, string(capID), audit.OutcomeOK, why)
	}
	l.routes.Remove(mod.ID)
	if l.active[mod.Name] == mod.ID {
		delete(l.active, mod.Name)
	}
	mod.State = StateUnloaded
	delete(l.modules, mod.ID)
	l.metrics.ModuleDelta(ctx, -1)
	l.record(ctx, now, contracts.KernelModule, audit.ActionUnload, string(mod.ID), audit.OutcomeOK, why)
	l.logger.InfoContext(ctx, "module unloaded", "module", mod.ID, "reason", why)
	for _, h := range l.hooks {
		h(*mod)
	}
}

// Resolve returns the running instance behind a logical name.
func (l *Loader) Resolve(name contracts.ModuleID) (contracts.ModuleID, bool) {
	id, ok := l.active[name.Name()]
	return id, ok
}

// Busy reports whether a draining instance of name still has in-flight
// work.
func (l *Loader) Busy(name contracts.ModuleID) bool {
	name = name.Name()
	for _, mod := range l.modules {
		if mod.Name == name && mod.State == StateDraining && mod.InFlight > 0 {
			return true
		}
	}
	return false
}

// Get returns a copy of the module record.
func (l *Loader) Get(id contracts.ModuleID) (Module, bool) {
	mod, ok := l.modules[id]
	if !ok {
		return Module{}, false
	}
	return *mod, true
}

// Modules lists every loaded instance in ID order.
func (l *Loader) Modules() []Module {
	out := make([]Module, 0, len(l.modules))
	for _, mod := range l.modules {
		out = append(out, *mod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of loaded instances.
func (l *Loader) Len() int { return len(l.modules) }

func (l *Loader) recordLoad(ctx context.Context, id contracts.ModuleID, now contracts.LogicalTime, outcome audit.Outcome, reason string) {
	l.record(ctx, now, contracts.KernelModule, audit.ActionLoad, string(id), outcome, reason)
}

func (l *Loader) record(ctx context.Context, now contracts.LogicalTime, actor contracts.ModuleID, action audit.Action, subject string, outcome audit.Outcome, reason string) {
	if _, err := l.trail.Append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Outcome:   outcome,
		Reason:    reason,
	}); err != nil {
		l.logger.WarnContext(ctx, "audit append failed", "action", action, "subject", subject, "error", err)
	}
}
