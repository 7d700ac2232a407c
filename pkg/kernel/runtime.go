package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/clock"
	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/loader"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
	"github.com/Mindburn-Labs/esta-kernel/pkg/syscalls"
)

var ErrStopped = errors.New("kernel runtime stopped")

// RuntimeConfig tunes the live runtime.
type RuntimeConfig struct {
	// TickInterval is how often host time is folded into the logical clock.
	TickInterval time.Duration
	// InboxSize bounds each worker's delivery channel.
	InboxSize int
	// Responses bounds the channel of Responses nobody is waiting for.
	Responses int
}

// RuntimeConfigFrom maps the file configuration.
func RuntimeConfigFrom(cfg *config.Config) RuntimeConfig {
	return RuntimeConfig{
		TickInterval: config.Millis(cfg.Runtime.TickIntervalMs),
		InboxSize:    cfg.Runtime.InboxSize,
	}
}

type op func(ctx context.Context)

// Runtime drives a State from one control goroutine. Each module instance
// gets a worker goroutine that runs its handler; workers reach the kernel
// only by posting operations to the control goroutine.
type Runtime struct {
	state *State
	cfg   RuntimeConfig

	ops       chan op
	stopped   chan struct{}
	responses chan contracts.Message

	// Owned by the control goroutine.
	group       *errgroup.Group
	groupCtx    context.Context
	workers     map[contracts.ModuleID]*worker
	invocations map[scheduler.EntryID]*invocation
	pending     map[uuid.UUID]chan contracts.Message

	tracer trace.Tracer
	logger *slog.Logger
}

// NewRuntime wraps state. The runtime takes ownership: state must not be
// used directly once Run has started.
func NewRuntime(state *State, cfg RuntimeConfig) *Runtime {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Millisecond
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	if cfg.Responses <= 0 {
		cfg.Responses = 64
	}
	r := &Runtime{
		state:       state,
		cfg:         cfg,
		ops:         make(chan op, 64),
		stopped:     make(chan struct{}),
		responses:   make(chan contracts.Message, cfg.Responses),
		workers:     make(map[contracts.ModuleID]*worker),
		invocations: make(map[scheduler.EntryID]*invocation),
		pending:     make(map[uuid.UUID]chan contracts.Message),
		tracer:      noop.NewTracerProvider().Tracer("esta.kernel"),
		logger:      slog.Default().With("component", "kernel-runtime"),
	}
	state.OnUnload(r.retire)
	return r
}

func (r *Runtime) WithLogger(l *slog.Logger) *Runtime {
	r.logger = l.With("component", "kernel-runtime")
	return r
}

// WithTracer records a span around every Call.
func (r *Runtime) WithTracer(t trace.Tracer) *Runtime {
	r.tracer = t
	return r
}

// Run serves until ctx is cancelled, then shuts the kernel down and waits
// for every worker to exit.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.group, r.groupCtx = g, gctx
	g.Go(func() error { return r.control(gctx) })
	return g.Wait()
}

// Responses delivers Responses addressed to clients that did not use Call.
func (r *Runtime) Responses() <-chan contracts.Message { return r.responses }

func (r *Runtime) control(ctx context.Context) error {
	defer close(r.stopped)
	tick := time.NewTicker(r.cfg.TickInterval)
	defer tick.Stop()
	driver := clock.NewDriver(time.Now())

	r.logger.InfoContext(ctx, "kernel runtime started", "tick", r.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case fn := <-r.ops:
			fn(ctx)
		case now := <-tick.C:
			if d := driver.Elapsed(now); d > 0 {
				if _, err := r.state.Advance(ctx, d); err != nil {
					r.logger.ErrorContext(ctx, "advance clock", "error", err)
				}
			}
		}
		r.pump(ctx)
		r.flush()
	}
}

func (r *Runtime) shutdown() {
	ctx := context.Background()
	if err := r.state.Shutdown(ctx); err != nil {
		r.logger.ErrorContext(ctx, "kernel shutdown", "error", err)
	}
	r.flush()
	for id := range r.workers {
		r.stopWorker(id)
	}
	r.logger.InfoContext(ctx, "kernel runtime stopped")
}

// do runs fn on the control goroutine and waits for it.
func (r *Runtime) do(ctx context.Context, fn op) error {
	done := make(chan struct{})
	wrapped := func(cctx context.Context) {
		fn(cctx)
		close(done)
	}
	select {
	case r.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

// pump hands every dispatchable entry to its worker.
func (r *Runtime) pump(ctx context.Context) {
	for {
		d, ok := r.state.Next(ctx)
		if !ok {
			return
		}
		if d.Resumed {
			inv, ok := r.invocations[d.Entry]
			if !ok {
				r.completeLost(ctx, d, errLostInvocation)
				continue
			}
			select {
			case inv.resume <- d.Resume:
			default:
				r.logger.ErrorContext(ctx, "invocation resumed twice", "entry", d.Entry)
			}
			continue
		}

		w := r.worker(d.Instance)
		inv := &invocation{r: r, dispatch: d, resume: make(chan Resume, 1)}
		select {
		case w.inbox <- inv:
			r.invocations[d.Entry] = inv
		default:
			r.completeLost(ctx, d, &contracts.ResourceLimitExceeded{Module: d.Instance, Resource: "inbox", Limit: fmt.Sprint(r.cfg.InboxSize)})
		}
	}
}

func (r *Runtime) completeLost(ctx context.Context, d *Dispatch, cause error) {
	delete(r.invocations, d.Entry)
	if _, err := r.state.Complete(ctx, d.Entry, nil, cause); err != nil {
		r.logger.WarnContext(ctx, "complete lost entry", "entry", d.Entry, "error", err)
	}
}

// flush routes Responses nobody inside the kernel was waiting for.
func (r *Runtime) flush() {
	for _, resp := range r.state.Outbox() {
		if ch, ok := r.pending[resp.Metadata.CorrelationID]; ok {
			delete(r.pending, resp.Metadata.CorrelationID)
			ch <- resp
			continue
		}
		select {
		case r.responses <- resp:
		default:
			r.logger.Warn("response channel full", "target", resp.Target, "correlation", resp.Metadata.CorrelationID)
		}
	}
}

type worker struct {
	id     contracts.ModuleID
	inbox  chan *invocation
	cancel context.CancelFunc
}

func (r *Runtime) worker(id contracts.ModuleID) *worker {
	if w, ok := r.workers[id]; ok {
		return w
	}
	wctx, cancel := context.WithCancel(r.groupCtx)
	w := &worker{id: id, inbox: make(chan *invocation, r.cfg.InboxSize), cancel: cancel}
	r.workers[id] = w
	r.group.Go(func() error {
		r.serve(wctx, w)
		return nil
	})
	r.logger.Debug("worker started", "module", id)
	return w
}

// retire stops the worker of an unloaded instance. It runs on the control
// goroutine from the unload hook.
func (r *Runtime) retire(m loader.Module) {
	r.stopWorker(m.ID)
}

func (r *Runtime) stopWorker(id contracts.ModuleID) {
	w, ok := r.workers[id]
	if !ok {
		return
	}
	delete(r.workers, id)
	w.cancel()
	for entry, inv := range r.invocations {
		if inv.dispatch.Instance == id {
			delete(r.invocations, entry)
		}
	}
	r.logger.Debug("worker stopped", "module", id)
}

func (r *Runtime) serve(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv := <-w.inbox:
			r.run(ctx, inv)
		}
	}
}

func (r *Runtime) run(ctx context.Context, inv *invocation) {
	out, herr := invoke(ctx, inv.dispatch, inv)
	if ctx.Err() != nil {
		// The instance was retired; the kernel already settled the entry.
		return
	}
	err := r.do(ctx, func(cctx context.Context) {
		delete(r.invocations, inv.dispatch.Entry)
		if _, err := r.state.Complete(cctx, inv.dispatch.Entry, out, herr); err != nil && !errors.Is(err, ErrEntryGone) {
			r.logger.ErrorContext(cctx, "complete invocation", "entry", inv.dispatch.Entry, "error", err)
		}
	})
	if err != nil {
		r.logger.Debug("completion not delivered", "entry", inv.dispatch.Entry, "error", err)
	}
}

// invocation is one dispatched entry in a worker. It is the Env its
// handler sees.
type invocation struct {
	r        *Runtime
	dispatch *Dispatch
	resume   chan Resume
}

func (inv *invocation) Module() contracts.ModuleID { return inv.dispatch.Instance }

func (inv *invocation) Now() contracts.LogicalTime { return inv.r.state.clock.Now() }

// park waits until the kernel dispatches the entry again.
func (inv *invocation) park(ctx context.Context) (Resume, error) {
	select {
	case res := <-inv.resume:
		return res, nil
	case <-ctx.Done():
		return Resume{}, ctx.Err()
	}
}

func (inv *invocation) Syscall(ctx context.Context, name, resource string, payload json.RawMessage) (json.RawMessage, error) {
	var (
		p      *syscalls.Prepared
		parked bool
		err    error
	)
	if derr := inv.r.do(ctx, func(cctx context.Context) {
		p, parked, err = inv.r.state.Syscall(cctx, inv.dispatch.Entry, name, resource, payload, true)
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}

	if p.Host != nil {
		out, ferr := syscalls.Forward(ctx, inv.r.state.host, p)
		var werr error
		if derr := inv.r.do(ctx, func(context.Context) { werr = inv.r.state.Wake(inv.dispatch.Entry) }); derr != nil {
			return nil, derr
		}
		if werr != nil {
			return nil, werr
		}
		if _, perr := inv.park(ctx); perr != nil {
			return nil, perr
		}
		return out, ferr
	}
	if parked {
		if _, perr := inv.park(ctx); perr != nil {
			return nil, perr
		}
	}
	return p.Result, nil
}

func (inv *invocation) Send(ctx context.Context, msg contracts.Message) (router.Ack, error) {
	var (
		ack router.Ack
		err error
	)
	if derr := inv.r.do(ctx, func(cctx context.Context) {
		ack, err = inv.r.state.Send(cctx, inv.dispatch.Entry, msg)
	}); derr != nil {
		return router.Ack{}, derr
	}
	return ack, err
}

func (inv *invocation) Request(ctx context.Context, msg contracts.Message) (contracts.Message, error) {
	var err error
	if derr := inv.r.do(ctx, func(cctx context.Context) {
		_, err = inv.r.state.Request(cctx, inv.dispatch.Entry, msg)
	}); derr != nil {
		return contracts.Message{}, derr
	}
	if err != nil {
		return contracts.Message{}, err
	}
	res, err := inv.park(ctx)
	if err != nil {
		return contracts.Message{}, err
	}
	if res.Err != nil {
		return contracts.Message{}, res.Err
	}
	if res.Response == nil {
		return contracts.Message{}, fmt.Errorf("request %s: resumed without a response", msg.Metadata.MessageID)
	}
	return *res.Response, nil
}

// Install loads, starts and serves m with h.
func (r *Runtime) Install(ctx context.Context, m *manifest.Manifest, h Handler) (contracts.ModuleID, error) {
	var (
		id  contracts.ModuleID
		err error
	)
	if derr := r.do(ctx, func(cctx context.Context) { id, err = r.state.Install(cctx, m, h) }); derr != nil {
		return "", derr
	}
	return id, err
}

// HotSwap replaces old with m served by h.
func (r *Runtime) HotSwap(ctx context.Context, old contracts.ModuleID, m *manifest.Manifest, h Handler) (contracts.ModuleID, error) {
	var (
		id  contracts.ModuleID
		err error
	)
	if derr := r.do(ctx, func(cctx context.Context) { id, err = r.state.HotSwap(cctx, old, m, h) }); derr != nil {
		return "", derr
	}
	return id, err
}

// Unload drains id.
func (r *Runtime) Unload(ctx context.Context, id contracts.ModuleID) (bool, error) {
	var (
		done bool
		err  error
	)
	if derr := r.do(ctx, func(cctx context.Context) { done, err = r.state.Unload(cctx, id) }); derr != nil {
		return false, derr
	}
	return done, err
}

// Apply applies a manifest change; see State.Apply.
func (r *Runtime) Apply(ctx context.Context, c loader.Change, factory HandlerFactory) (contracts.ModuleID, error) {
	var (
		id  contracts.ModuleID
		err error
	)
	if derr := r.do(ctx, func(cctx context.Context) { id, err = r.state.Apply(cctx, c, factory) }); derr != nil {
		return "", derr
	}
	return id, err
}

// Follow applies every change from changes until the channel closes or ctx
// ends. Rejected changes are logged and skipped.
func (r *Runtime) Follow(ctx context.Context, changes <-chan loader.Change, factory HandlerFactory) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			id, err := r.Apply(ctx, c, factory)
			if errors.Is(err, ErrStopped) {
				return nil
			}
			if err != nil {
				r.logger.WarnContext(ctx, "manifest change rejected", "path", c.Path, "error", err)
				continue
			}
			r.logger.InfoContext(ctx, "manifest change applied", "path", c.Path, "module", id)
		}
	}
}

// Submit routes msg from an external client.
func (r *Runtime) Submit(ctx context.Context, msg contracts.Message) (router.Ack, error) {
	var (
		ack router.Ack
		err error
	)
	if derr := r.do(ctx, func(cctx context.Context) { ack, err = r.state.Submit(cctx, msg) }); derr != nil {
		return router.Ack{}, derr
	}
	return ack, err
}

// Call submits a Command or Query from an external client and waits for
// its Response. When ctx ends first the request is abandoned, so a late
// Response is dead-lettered.
func (r *Runtime) Call(ctx context.Context, msg contracts.Message) (resp contracts.Message, err error) {
	if !msg.Type.ExpectsResponse() {
		return contracts.Message{}, fmt.Errorf("call: %s messages expect no response", msg.Type)
	}
	ctx, span := r.tracer.Start(ctx, "kernel.call", trace.WithAttributes(
		attribute.String("esta.source", string(msg.Source)),
		attribute.String("esta.target", string(msg.Target)),
		attribute.String("esta.opcode", msg.Opcode),
		attribute.String("esta.priority", msg.Metadata.Priority.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, contracts.ReasonOf(err))
		}
		span.End()
	}()
	return r.call(ctx, msg)
}

func (r *Runtime) call(ctx context.Context, msg contracts.Message) (contracts.Message, error) {
	ch := make(chan contracts.Message, 1)
	var err error
	if derr := r.do(ctx, func(cctx context.Context) {
		var ack router.Ack
		ack, err = r.state.Submit(cctx, msg)
		switch {
		case err != nil:
		case ack.Duplicate:
			err = &contracts.DuplicateMessage{MessageID: msg.Metadata.MessageID}
		default:
			r.pending[msg.Metadata.MessageID] = ch
		}
	}); derr != nil {
		return contracts.Message{}, derr
	}
	if err != nil {
		return contracts.Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		_ = r.do(context.Background(), func(cctx context.Context) {
			delete(r.pending, msg.Metadata.MessageID)
			_ = r.state.Cancel(cctx, msg.Metadata.MessageID, msg.Source)
		})
		return contracts.Message{}, ctx.Err()
	case <-r.stopped:
		return contracts.Message{}, ErrStopped
	}
}

// Grant issues capabilities to an external holder.
func (r *Runtime) Grant(ctx context.Context, holder contracts.ModuleID, grants []capability.Grant) ([]capability.Capability, error) {
	var (
		caps []capability.Capability
		err  error
	)
	if derr := r.do(ctx, func(context.Context) { caps, err = r.state.Engine().Issue(holder, grants) }); derr != nil {
		return nil, derr
	}
	return caps, err
}

// Status snapshots the kernel.
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := r.do(ctx, func(context.Context) { st = r.state.Status() }); err != nil {
		return Status{}, err
	}
	return st, nil
}
