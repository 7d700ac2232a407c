// Package kernel assembles the control plane. State is the single-writer
// kernel: it owns the logical clock, the capability table, the route table,
// the schedule queues and the audit trail, and every mutation of them goes
// through its methods. Runtime drives a State from one control goroutine
// and runs module handlers in isolated workers.
//
// Lifecycle: Boot constructs a State, Shutdown unloads every module. A
// State is never shared ambiently; callers hold the value Boot returned.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/clock"
	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/entropy"
	"github.com/Mindburn-Labs/esta-kernel/pkg/limiter"
	"github.com/Mindburn-Labs/esta-kernel/pkg/loader"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/observability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
	"github.com/Mindburn-Labs/esta-kernel/pkg/supervisor"
	"github.com/Mindburn-Labs/esta-kernel/pkg/syscalls"
)

// DefaultRequestTimeout bounds how long a module waits for a correlated
// Response.
const DefaultRequestTimeout = 5 * time.Second

var (
	ErrShutdown   = errors.New("kernel is shut down")
	ErrEntryGone  = errors.New("entry no longer scheduled")
	ErrNotRunning = errors.New("entry is not running")
	// ErrWouldBlock is returned by Request when the handler runs on the
	// caller's goroutine and cannot be parked.
	ErrWouldBlock = errors.New("request would block the control path")
)

// Options configures Boot.
type Options struct {
	// Seed is the boot seed. Every key and syscall seed derives from it.
	Seed  []byte
	Start contracts.LogicalTime

	Scheduler       scheduler.Config
	Router          router.Config
	DrainTimeout    time.Duration
	RequestTimeout  time.Duration
	AuditMaxEntries int
	// Catalog overrides the resource catalog built from Tenants.
	Catalog         *loader.Catalog
	Tenants         []string
	// Supervision restarts modules terminated by a fatal invocation. The
	// zero value restarts nothing.
	Supervision     supervisor.Policy

	Host        syscalls.HostShell
	Limiter     limiter.Store
	DeadLetters router.DeadLetterSink
	Sinks       []audit.Sink
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// OptionsFromConfig maps the file configuration onto boot options.
func OptionsFromConfig(cfg *config.Config, seed []byte) Options {
	strategy, _ := supervisor.ParseStrategy(cfg.Supervisor.Strategy)
	return Options{
		Seed: seed,
		Scheduler: scheduler.Config{
			Slots:          cfg.Scheduler.Slots,
			AgingThreshold: config.Millis(cfg.Scheduler.AgingThresholdMs),
		},
		Router: router.Config{
			DedupCapacity:  cfg.Router.DedupCapacity,
			DedupRetention: config.Millis(cfg.Router.DedupRetentionMs),
			RateLimit: limiter.Policy{
				PerSecond: cfg.Router.RateLimitPerSecond,
				Burst:     cfg.Router.RateLimitBurst,
			},
		},
		DrainTimeout:    config.Millis(cfg.Loader.DrainTimeoutMs),
		RequestTimeout:  config.Millis(cfg.Runtime.RequestTimeoutMs),
		AuditMaxEntries: cfg.Audit.MaxEntries,
		Tenants:         cfg.Loader.Tenants,
		Supervision: supervisor.Policy{
			Strategy:    strategy,
			MaxRestarts: cfg.Supervisor.MaxRestarts,
			Window:      config.Millis(cfg.Supervisor.WindowMs),
			BaseDelay:   config.Millis(cfg.Supervisor.BaseDelayMs),
			MaxDelay:    config.Millis(cfg.Supervisor.MaxDelayMs),
		},
	}
}

// Resume is what a parked invocation receives when it is dispatched again.
type Resume struct {
	Response *contracts.Message
	Err      error
}

// Dispatch hands one scheduled entry to its module.
type Dispatch struct {
	Entry    scheduler.EntryID
	Instance contracts.ModuleID
	Lane     contracts.Priority
	Message  contracts.Message
	Handler  Handler
	// Budget is the module's CPU time per invocation; zero is unbounded.
	Budget time.Duration
	// Resumed is set when the entry was preempted or blocked and is now
	// continuing where it stopped.
	Resumed bool
	Resume  Resume
}

// TickResult summarizes housekeeping done by Tick.
type TickResult struct {
	Expired    int
	Boosted    int
	TimedOut   int
	Terminated []contracts.ModuleID
	Restarted  []contracts.ModuleID
}

type waiter struct {
	request   uuid.UUID
	entry     scheduler.EntryID
	requester contracts.ModuleID
	target    contracts.ModuleID
	opcode    string
	deadline  contracts.LogicalTime
}

// State is the kernel. Its methods must be called from a single goroutine.
type State struct {
	clock    *clock.Logical
	engine   *capability.Engine
	sched    *scheduler.Scheduler
	trail    *audit.Trail
	routes   *router.Table
	router   *router.Router
	loader   *loader.Loader
	mediator *syscalls.Mediator
	host     syscalls.HostShell
	sup      *supervisor.Supervisor
	policy   supervisor.Policy

	handlers       map[contracts.ModuleID]Handler
	waiters        map[uuid.UUID]*waiter
	resumed        map[scheduler.EntryID]Resume
	outbox         []contracts.Message
	hooks          []loader.UnloadHook
	children       map[contracts.ModuleID]*supervised
	retained       map[contracts.ModuleID]bool
	requestTimeout time.Duration
	closed         bool

	metrics *observability.Metrics
	logger  *slog.Logger
}

// Boot constructs a kernel from opts.
func Boot(opts Options) (*State, error) {
	if len(opts.Seed) == 0 {
		return nil, errors.New("kernel: boot seed is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key, err := entropy.Derive(opts.Seed, entropy.LabelCapabilityKey, "", 32)
	if err != nil {
		return nil, fmt.Errorf("kernel: derive capability key: %w", err)
	}
	routes, err := router.NewTable()
	if err != nil {
		return nil, fmt.Errorf("kernel: route table: %w", err)
	}

	s := &State{
		clock:          clock.New(opts.Start),
		engine:         capability.NewEngine(key).WithLogger(logger),
		sched:          scheduler.New(opts.Scheduler).WithLogger(logger),
		trail:          audit.NewTrail(opts.AuditMaxEntries).WithLogger(logger),
		routes:         routes,
		host:           opts.Host,
		sup:            supervisor.New().WithLogger(logger),
		policy:         opts.Supervision,
		children:       make(map[contracts.ModuleID]*supervised),
		retained:       make(map[contracts.ModuleID]bool),
		handlers:       make(map[contracts.ModuleID]Handler),
		waiters:        make(map[uuid.UUID]*waiter),
		resumed:        make(map[scheduler.EntryID]Resume),
		requestTimeout: opts.RequestTimeout,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "kernel"),
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = DefaultRequestTimeout
	}
	for _, sink := range opts.Sinks {
		s.trail.AddSink(sink)
	}

	s.router = router.New(opts.Router, s.engine, s.sched, s.trail, routes).
		WithLogger(logger).
		WithMetrics(opts.Metrics).
		WithStatus(func() any { return s.Status() })
	if opts.Limiter != nil {
		s.router.WithLimiter(opts.Limiter)
	}
	if opts.DeadLetters != nil {
		s.router.WithDeadLetters(opts.DeadLetters)
	}

	catalog := opts.Catalog
	if catalog == nil {
		catalog = loader.NewCatalog(opts.Tenants...)
	}
	s.loader = loader.New(s.engine, routes, s.trail, catalog).
		WithLogger(logger).
		WithMetrics(opts.Metrics).
		WithDrainTimeout(opts.DrainTimeout)
	s.loader.OnUnload(s.unloaded)

	s.mediator = syscalls.NewMediator(s.engine, s.trail, opts.Seed).
		WithLogger(logger).
		WithMetrics(opts.Metrics)

	s.logger.Info("kernel booted", "start", opts.Start, "slots", s.sched.Slots())
	return s, nil
}

// Shutdown unloads every module. Idle modules unload normally; modules with
// in-flight work are terminated and their pending requests failed.
func (s *State) Shutdown(ctx context.Context) error {
	if s.closed {
		return nil
	}
	now := s.clock.Now()
	s.sup.ShutdownAll()
	var errs []error
	for _, mod := range s.loader.Modules() {
		if _, ok := s.loader.Get(mod.ID); !ok {
			continue
		}
		if mod.InFlight > 0 {
			cause := &contracts.RoutingError{Cause: contracts.RouteCancelled, Target: mod.Name}
			if err := s.terminate(ctx, mod.ID, audit.ActionUnload, cause); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := s.loader.Unload(ctx, mod.ID, now); err != nil && !errors.Is(err, loader.ErrModuleNotFound) {
			errs = append(errs, err)
		}
	}
	s.closed = true
	_, seq := s.trail.Head()
	s.logger.InfoContext(ctx, "kernel shut down", "now", now, "audit_sequence", seq)
	return errors.Join(errs...)
}

// OnUnload registers a hook run after every module instance is unloaded.
func (s *State) OnUnload(h loader.UnloadHook) {
	s.hooks = append(s.hooks, h)
}

func (s *State) Now() contracts.LogicalTime { return s.clock.Now() }
func (s *State) Clock() *clock.Logical { return s.clock }
func (s *State) Engine() *capability.Engine { return s.engine }
func (s *State) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *State) Trail() *audit.Trail { return s.trail }
func (s *State) Router() *router.Router { return s.router }
func (s *State) Loader() *loader.Loader { return s.loader }
func (s *State) Host() syscalls.HostShell { return s.host }

// Install loads m, starts it and binds h as its opcode handler.
func (s *State) Install(ctx context.Context, m *manifest.Manifest, h Handler) (contracts.ModuleID, error) {
	if h == nil {
		return "", fmt.Errorf("install %s: handler is required", m.ID())
	}
	if s.closed {
		return "", ErrShutdown
	}
	id, err := s.loader.Load(ctx, m, s.clock.Now())
	if err != nil {
		return "", err
	}
	if err := s.loader.Start(id); err != nil {
		return "", err
	}
	s.handlers[id] = h
	s.watch(m, h, nil)
	return id, nil
}

// HotSwap replaces the running instance old with m served by h.
func (s *State) HotSwap(ctx context.Context, old contracts.ModuleID, m *manifest.Manifest, h Handler) (contracts.ModuleID, error) {
	if h == nil {
		return "", fmt.Errorf("hot-swap %s: handler is required", m.ID())
	}
	id, err := s.loader.HotSwap(ctx, old, m, s.clock.Now())
	if err != nil {
		return "", err
	}
	s.handlers[id] = h
	s.rebind(m, h)
	return id, nil
}

// Unload drains id. See loader.Loader.Unload. An unloaded module is no
// longer restarted.
func (s *State) Unload(ctx context.Context, id contracts.ModuleID) (bool, error) {
	done, err := s.loader.Unload(ctx, id, s.clock.Now())
	if err == nil {
		s.unwatch(id)
	}
	return done, err
}

// Apply brings the module table in line with a manifest change, building
// handlers for new instances with factory.
func (s *State) Apply(ctx context.Context, c loader.Change, factory HandlerFactory) (contracts.ModuleID, error) {
	if c.Err != nil || c.Kind != loader.ChangeUpsert {
		id, err := s.loader.Apply(ctx, c, s.clock.Now())
		if err == nil && c.Kind == loader.ChangeRemove {
			s.unwatch(c.Module)
		}
		return id, err
	}
	if cur, ok := s.loader.Resolve(c.Manifest.Logical()); ok && cur == c.Manifest.ID() {
		return cur, nil
	}
	h, err := factory(ctx, c.Manifest)
	if err != nil {
		s.recordDenied(ctx, c.Manifest.ID(), err)
		return "", err
	}
	id, err := s.loader.Apply(ctx, c, s.clock.Now())
	if err != nil {
		closeHandler(ctx, h)
		return "", err
	}
	s.handlers[id] = h
	if s.sup.Supervises(c.Manifest.Logical()) {
		s.rebind(c.Manifest, h)
	} else {
		s.watch(c.Manifest, h, factory)
	}
	return id, nil
}

func (s *State) recordDenied(ctx context.Context, id contracts.ModuleID, err error) {
	action := audit.ActionLoad
	var dv *contracts.DeterminismViolation
	if errors.As(err, &dv) {
		action = audit.ActionDeterminismViolation
	}
	s.append(ctx, audit.Entry{
		Timestamp: s.clock.Now(),
		Actor:     contracts.KernelModule,
		Action:    action,
		Subject:   string(id),
		Outcome:   audit.OutcomeDenied,
		Reason:    contracts.ReasonOf(err),
	})
}

// Submit runs msg through the router at the current logical time. A
// Response that closes a correlation is delivered to whoever awaits it.
func (s *State) Submit(ctx context.Context, msg contracts.Message) (router.Ack, error) {
	if s.closed {
		return router.Ack{}, ErrShutdown
	}
	now := s.clock.Now()
	if msg.Metadata.Timestamp == 0 {
		msg.Metadata.Timestamp = now
	}
	ack, err := s.router.Submit(ctx, msg, now)
	if err != nil {
		return ack, err
	}
	if ack.Correlation != nil {
		s.deliver(ctx, msg)
	}
	return ack, nil
}

// Cancel abandons an outstanding request on behalf of its requester.
func (s *State) Cancel(ctx context.Context, request uuid.UUID, requester contracts.ModuleID) error {
	return s.router.Abandon(ctx, request, requester, s.clock.Now())
}

// Advance moves the logical clock forward by d and runs Tick.
func (s *State) Advance(ctx context.Context, d time.Duration) (TickResult, error) {
	if _, err := s.clock.Advance(d); err != nil {
		return TickResult{}, err
	}
	return s.Tick(ctx), nil
}

// AdvanceTo moves the logical clock to t and runs Tick.
func (s *State) AdvanceTo(ctx context.Context, t contracts.LogicalTime) (TickResult, error) {
	if err := s.clock.AdvanceTo(t); err != nil {
		return TickResult{}, err
	}
	return s.Tick(ctx), nil
}

// Tick does the time-driven work at the current logical time: TTL expiry,
// aging, request timeouts, drain timeouts and due restarts.
func (s *State) Tick(ctx context.Context) TickResult {
	now := s.clock.Now()
	var res TickResult

	for _, e := range s.router.Expire(ctx, now) {
		res.Expired++
		s.fail(ctx, e.Message, &contracts.TTLExpired{MessageID: e.Message.Metadata.MessageID, Deadline: e.Deadline})
	}

	if boosted := s.sched.Age(now); len(boosted) > 0 {
		res.Boosted = len(boosted)
		s.metrics.Boost(ctx, len(boosted))
	}

	var late []*waiter
	for _, w := range s.waiters {
		if now >= w.deadline {
			late = append(late, w)
		}
	}
	sort.Slice(late, func(i, j int) bool {
		if late[i].deadline != late[j].deadline {
			return late[i].deadline < late[j].deadline
		}
		return late[i].entry < late[j].entry
	})
	for _, w := range late {
		res.TimedOut++
		delete(s.waiters, w.request)
		if err := s.router.Abandon(ctx, w.request, w.requester, now); err != nil {
			s.logger.DebugContext(ctx, "abandon timed-out request", "request", w.request, "error", err)
		}
		s.resume(w.entry, Resume{Err: &contracts.RoutingError{Cause: contracts.RouteTimeout, Target: w.target, Opcode: w.opcode}})
	}

	for _, id := range s.loader.ExpiredDrains(now) {
		mod, _ := s.loader.Get(id)
		cause := &contracts.ResourceLimitExceeded{Module: id, Resource: "drain", Limit: fmt.Sprintf("deadline %d", mod.DrainDeadline)}
		if err := s.terminate(ctx, id, audit.ActionDrainTimeout, cause); err != nil {
			s.logger.ErrorContext(ctx, "drain timeout", "module", id, "error", err)
			continue
		}
		res.Terminated = append(res.Terminated, id)
	}

	for _, r := range s.sup.Due(now) {
		id, err := s.restart(ctx, r)
		if err != nil {
			continue
		}
		res.Restarted = append(res.Restarted, id)
	}
	return res
}

// Next selects the next entry to run and binds it to a module instance. A
// first dispatch is audited; a resumed entry carries whatever woke it.
func (s *State) Next(ctx context.Context) (*Dispatch, bool) {
	now := s.clock.Now()
	for {
		e := s.sched.Next(now, s.runnable)
		if e == nil {
			return nil, false
		}
		if e.Instance != "" {
			res := s.resumed[e.ID]
			delete(s.resumed, e.ID)
			return s.dispatch(e, true, res), true
		}

		inst, ok := s.loader.Resolve(e.Module)
		h := s.handlers[inst]
		if !ok || h == nil {
			s.sched.Terminate(e.ID)
			s.fail(ctx, e.Message, &contracts.RoutingError{Cause: contracts.RouteNoTarget, Target: e.Module, Opcode: e.Message.Opcode})
			continue
		}
		if err := s.loader.BeginInvocation(inst); err != nil {
			s.sched.Terminate(e.ID)
			s.fail(ctx, e.Message, &contracts.RoutingError{Cause: contracts.RouteNoTarget, Target: e.Module, Opcode: e.Message.Opcode})
			continue
		}
		e.Instance = inst
		s.router.RecordDispatch(ctx, e, inst, now)
		return s.dispatch(e, false, Resume{}), true
	}
}

func (s *State) dispatch(e *scheduler.Entry, resumed bool, res Resume) *Dispatch {
	d := &Dispatch{
		Entry:    e.ID,
		Instance: e.Instance,
		Lane:     e.Effective,
		Message:  e.Message,
		Handler:  s.handlers[e.Instance],
		Resumed:  resumed,
		Resume:   res,
	}
	if mod, ok := s.loader.Get(e.Instance); ok {
		d.Budget = mod.Budget.CPUTimeSlice()
	}
	return d
}

// runnable reports whether entries for a logical name can be dispatched: a
// running instance exists, or a draining one still has work in flight.
func (s *State) runnable(name contracts.ModuleID) bool {
	if _, ok := s.loader.Resolve(name); ok {
		return true
	}
	return s.loader.Busy(name)
}

// Complete finishes the invocation of entry id with the handler's result. A
// Command or Query is answered with result, or with a failure Response
// carrying herr. A CPU or memory breach or a determinism violation
// terminates the module; a supervised module may be restarted later.
func (s *State) Complete(ctx context.Context, id scheduler.EntryID, result json.RawMessage, herr error) (*contracts.Message, error) {
	e, ok := s.sched.Get(id)
	if !ok {
		return nil, fmt.Errorf("complete %d: %w", id, ErrEntryGone)
	}
	now := s.clock.Now()
	if err := s.sched.Complete(id); err != nil {
		s.sched.Terminate(id)
	}
	s.dropWaiters(ctx, id)
	delete(s.resumed, id)

	var resp *contracts.Message
	if e.Message.Type.ExpectsResponse() {
		if herr == nil {
			if m, _, err := s.router.Respond(ctx, e.Message, result, now); err == nil {
				resp = &m
			}
		} else if m, _, ok := s.router.Fail(ctx, e.Message, herr, now); ok {
			resp = &m
		}
		if resp != nil {
			s.deliver(ctx, *resp)
		}
	}

	finalized := s.loader.EndInvocation(ctx, e.Instance, herr != nil, now)
	if herr != nil {
		s.logger.DebugContext(ctx, "invocation failed", "module", e.Instance, "entry", id, "reason", contracts.ReasonOf(herr), "error", herr)
		if action, fatal := fatalAction(herr); fatal && !finalized {
			if _, ok := s.loader.Get(e.Instance); ok {
				s.crash(ctx, e.Instance, action, herr)
			}
		}
	}
	return resp, nil
}

func fatalAction(err error) (audit.Action, bool) {
	var dv *contracts.DeterminismViolation
	if errors.As(err, &dv) {
		return audit.ActionDeterminismViolation, true
	}
	var rl *contracts.ResourceLimitExceeded
	if errors.As(err, &rl) && (rl.Resource == "cpu" || rl.Resource == "memory") {
		return audit.ActionResourceLimit, true
	}
	return "", false
}

// Syscall mediates a syscall made by the running entry id. With park set
// the entry gives up its slot: it is Blocked while a host call is
// outstanding, or Preempted when a more urgent entry is waiting. The result
// reports whether it was parked.
func (s *State) Syscall(ctx context.Context, id scheduler.EntryID, name, resource string, payload json.RawMessage, park bool) (*syscalls.Prepared, bool, error) {
	e, err := s.running(id)
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	s.loader.RecordSyscall(e.Instance)
	call := syscalls.Call{Module: e.Instance, Name: name, Resource: resource, Payload: payload}
	if mod, ok := s.loader.Get(e.Instance); ok && mod.Manifest != nil {
		call.Tenant = mod.Manifest.Tenant
	}
	p, err := s.mediator.Prepare(ctx, call, now)
	if err != nil {
		return nil, false, err
	}
	if !park {
		return p, false, nil
	}
	if p.Host != nil {
		if err := s.sched.Block(id); err != nil {
			return nil, false, err
		}
		return p, true, nil
	}
	if s.sched.ShouldYield(id, now, s.runnable) {
		if err := s.Preempt(ctx, id); err != nil {
			return nil, false, err
		}
		return p, true, nil
	}
	return p, false, nil
}

// Preempt returns the running entry id to its lane.
func (s *State) Preempt(ctx context.Context, id scheduler.EntryID) error {
	e, err := s.running(id)
	if err != nil {
		return err
	}
	lane := e.Effective
	if err := s.sched.Preempt(id, s.clock.Now()); err != nil {
		return err
	}
	s.metrics.Preempt(ctx, lane.String())
	s.logger.DebugContext(ctx, "entry preempted", "entry", id, "module", e.Instance, "lane", lane)
	return nil
}

// Wake makes a blocked entry ready again after its host call returned.
func (s *State) Wake(id scheduler.EntryID) error {
	return s.sched.Wake(id, s.clock.Now())
}

// Send submits msg on behalf of the module running entry id.
func (s *State) Send(ctx context.Context, id scheduler.EntryID, msg contracts.Message) (router.Ack, error) {
	e, err := s.running(id)
	if err != nil {
		return router.Ack{}, err
	}
	msg.Source = e.Instance
	return s.Submit(ctx, msg)
}

// Request submits a Command or Query on behalf of the module running entry
// id and blocks the entry until the correlated Response arrives or the
// request times out. A duplicate message ID registers no waiter and is
// reported as *contracts.DuplicateMessage; the entry keeps running.
func (s *State) Request(ctx context.Context, id scheduler.EntryID, msg contracts.Message) (router.Ack, error) {
	if !msg.Type.ExpectsResponse() {
		return router.Ack{}, fmt.Errorf("request: %s messages expect no response", msg.Type)
	}
	e, err := s.running(id)
	if err != nil {
		return router.Ack{}, err
	}
	msg.Source = e.Instance
	ack, err := s.Submit(ctx, msg)
	if err != nil {
		return ack, err
	}
	if ack.Duplicate {
		return ack, &contracts.DuplicateMessage{MessageID: msg.Metadata.MessageID}
	}
	s.waiters[msg.Metadata.MessageID] = &waiter{
		request:   msg.Metadata.MessageID,
		entry:     id,
		requester: e.Instance,
		target:    msg.Target,
		opcode:    msg.Opcode,
		deadline:  s.clock.Now().Add(s.requestTimeout),
	}
	return ack, s.sched.Block(id)
}

func (s *State) running(id scheduler.EntryID) (*scheduler.Entry, error) {
	e, ok := s.sched.Get(id)
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, ErrEntryGone)
	}
	if e.State != scheduler.StateRunning {
		return nil, fmt.Errorf("entry %d is %s: %w", id, e.State, ErrNotRunning)
	}
	return e, nil
}

// Outbox returns and clears the Responses no module was waiting for.
func (s *State) Outbox() []contracts.Message {
	out := s.outbox
	s.outbox = nil
	return out
}

// deliver hands a Response to the entry blocked on it, or to the outbox.
func (s *State) deliver(ctx context.Context, resp contracts.Message) {
	w, ok := s.waiters[resp.Metadata.CorrelationID]
	if !ok {
		s.outbox = append(s.outbox, resp)
		return
	}
	delete(s.waiters, w.request)
	if !s.resume(w.entry, Resume{Response: &resp}) {
		s.logger.WarnContext(ctx, "response for vanished requester", "request", w.request, "entry", w.entry)
	}
}

func (s *State) resume(id scheduler.EntryID, res Resume) bool {
	s.resumed[id] = res
	if err := s.sched.Wake(id, s.clock.Now()); err != nil {
		delete(s.resumed, id)
		return false
	}
	return true
}

// dropWaiters abandons every request entry id is still waiting on.
func (s *State) dropWaiters(ctx context.Context, id scheduler.EntryID) {
	var reqs []uuid.UUID
	for req, w := range s.waiters {
		if w.entry == id {
			reqs = append(reqs, req)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].String() < reqs[j].String() })
	for _, req := range reqs {
		w := s.waiters[req]
		delete(s.waiters, req)
		_ = s.router.Abandon(ctx, req, w.requester, s.clock.Now())
	}
}

// fail answers a request that will never be served.
func (s *State) fail(ctx context.Context, msg contracts.Message, cause error) {
	if resp, _, ok := s.router.Fail(ctx, msg, cause, s.clock.Now()); ok {
		s.deliver(ctx, resp)
	}
}

// terminate force-unloads id. Entries bound to it are dropped and their
// senders failed with cause.
func (s *State) terminate(ctx context.Context, id contracts.ModuleID, action audit.Action, cause error) error {
	for _, e := range s.sched.Entries(id.Name()) {
		if e.Instance != id {
			continue
		}
		s.sched.Terminate(e.ID)
		s.dropWaiters(ctx, e.ID)
		delete(s.resumed, e.ID)
		s.fail(ctx, e.Message, cause)
	}
	return s.loader.ForceUnload(ctx, id, action, cause, s.clock.Now())
}

// unloaded runs after the loader destroys a module record. When no
// instance serves the name any more, its queued messages are failed.
func (s *State) unloaded(m loader.Module) {
	ctx := context.Background()
	if h, ok := s.handlers[m.ID]; ok {
		delete(s.handlers, m.ID)
		if !s.retained[m.ID] {
			closeHandler(ctx, h)
		}
	}
	s.mediator.Forget(m.ID)
	if _, ok := s.loader.Resolve(m.Name); !ok && !s.loader.Busy(m.Name) {
		for _, e := range s.sched.Entries(m.Name) {
			s.sched.Terminate(e.ID)
			s.dropWaiters(ctx, e.ID)
			delete(s.resumed, e.ID)
			s.fail(ctx, e.Message, &contracts.RoutingError{Cause: contracts.RouteNoTarget, Target: m.Name, Opcode: e.Message.Opcode})
		}
	}
	for _, h := range s.hooks {
		h(m)
	}
}

func (s *State) append(ctx context.Context, e audit.Entry) {
	if _, err := s.trail.Append(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "audit append failed", "action", e.Action, "error", err)
	}
}

// Status is the kernel.status reply.
type Status struct {
	Now           contracts.LogicalTime    `json:"now"`
	Modules       []loader.Module          `json:"modules"`
	Lanes         map[string]int           `json:"lanes"`
	Queued        int                      `json:"queued"`
	Running       int                      `json:"running"`
	Capabilities  capability.Stats         `json:"capabilities"`
	Correlations  int                      `json:"correlations"`
	AuditHead     string                   `json:"auditHead"`
	AuditSequence uint64                   `json:"auditSequence"`
	ScheduleHash  string                   `json:"scheduleHash"`
	Supervised    []supervisor.ChildStatus `json:"supervised,omitempty"`
}

// Status snapshots the kernel.
func (s *State) Status() Status {
	now := s.clock.Now()
	lanes := make(map[string]int, contracts.NumPriorities)
	for p, n := range s.sched.Depths() {
		lanes[contracts.PriorityAt(p).String()] = n
	}
	head, seq := s.trail.Head()
	return Status{
		Now:           now,
		Modules:       s.loader.Modules(),
		Lanes:         lanes,
		Queued:        s.sched.Len(),
		Running:       s.sched.Running(),
		Capabilities:  s.engine.Stats(now),
		Correlations:  s.router.Correlations().Len(),
		AuditHead:     head,
		AuditSequence: seq,
		ScheduleHash:  s.sched.SnapshotHash(),
		Supervised:    s.sup.Status(),
	}
}
