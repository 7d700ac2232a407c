// Package router implements the kernel's IPC router: every message a module
// emits is validated, capability checked and handed to the scheduler here.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/limiter"
	"github.com/Mindburn-Labs/esta-kernel/pkg/observability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
)

// Control opcodes served by the kernel itself.
const (
	opCancel = "kernel.cancel"
	opPing   = "kernel.ping"
	opStatus = "kernel.status"
)

var kernelOpcodes = []string{opCancel, opPing, opStatus}

// Config tunes the router.
type Config struct {
	DedupCapacity  int
	DedupRetention time.Duration
	RateLimit      limiter.Policy
}

// Ack acknowledges a submitted message.
type Ack struct {
	MessageID uuid.UUID `json:"messageId"`
	// Duplicate is set when the ID was already accepted; nothing happened.
	Duplicate bool `json:"duplicate,omitempty"`
	// Entry and Lane describe where a request was queued.
	Entry      scheduler.EntryID  `json:"entry,omitempty"`
	Lane       contracts.Priority `json:"lane,omitempty"`
	Capability capability.ID      `json:"capability,omitempty"`
	// Correlation is the request a Response closed.
	Correlation *Correlation `json:"correlation,omitempty"`
	// Reply is the kernel's answer to a control message.
	Reply json.RawMessage `json:"reply,omitempty"`
}

// StatusFunc reports kernel status for kernel.status.
type StatusFunc func() any

// Router owns routing, de-duplication and correlation state. It is not safe
// for concurrent use; the kernel control path is its only caller.
type Router struct {
	cfg     Config
	engine  *capability.Engine
	sched   *scheduler.Scheduler
	trail   *audit.Trail
	routes  *Table
	dedup   *Dedup
	corr    *Correlations
	dead    DeadLetterSink
	limits  limiter.Store
	status  StatusFunc
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a router over the kernel's engine, scheduler and trail.
func New(cfg Config, engine *capability.Engine, sched *scheduler.Scheduler, trail *audit.Trail, routes *Table) *Router {
	return &Router{
		cfg:    cfg,
		engine: engine,
		sched:  sched,
		trail:  trail,
		routes: routes,
		dedup:  NewDedup(cfg.DedupCapacity, cfg.DedupRetention),
		corr:   NewCorrelations(cfg.DedupRetention),
		dead:   NewMemoryDeadLetters(0),
		logger: slog.Default().With("component", "router"),
	}
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	r.logger = l.With("component", "router")
	return r
}

// WithLimiter enables per-source ingress rate limiting.
func (r *Router) WithLimiter(store limiter.Store) *Router {
	r.limits = store
	return r
}

func (r *Router) WithDeadLetters(sink DeadLetterSink) *Router {
	r.dead = sink
	return r
}

func (r *Router) WithMetrics(m *observability.Metrics) *Router {
	r.metrics = m
	return r
}

func (r *Router) WithStatus(fn StatusFunc) *Router {
	r.status = fn
	return r
}

// Routes returns the route table.
func (r *Router) Routes() *Table { return r.routes }

// Correlations returns the correlation tracker.
func (r *Router) Correlations() *Correlations { return r.corr }

// Submit runs msg through the ingress pipeline at logical time now. On
// success a request is queued in the scheduler, a Response has closed its
// correlation, or a control message has been answered. Every error is a
// typed kernel error and nothing is queued.
func (r *Router) Submit(ctx context.Context, msg contracts.Message, now contracts.LogicalTime) (Ack, error) {
	if err := contracts.Validate(msg); err != nil {
		r.record(ctx, now, msg.Source, audit.ActionReject, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}
	ack := Ack{MessageID: msg.Metadata.MessageID, Lane: msg.Metadata.Priority}
	if r.dedup.Seen(msg.Metadata.MessageID, now) {
		ack.Duplicate = true
		r.metrics.Message(ctx, "duplicate", "")
		return ack, nil
	}
	if err := limiter.Check(ctx, r.limits, msg.Source.Name(), r.cfg.RateLimit, now); err != nil {
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}
	if msg.Metadata.Priority == contracts.PrioritySystem && msg.Source != contracts.KernelModule {
		err := &contracts.CapabilityDenied{Cause: contracts.DenyMissingRight}
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}

	switch {
	case msg.Type == contracts.MessageResponse:
		return r.submitResponse(ctx, msg, now, ack)
	case msg.Target == contracts.KernelModule:
		return r.submitControl(ctx, msg, now, ack)
	case msg.Type == contracts.MessageSystem:
		err := &contracts.RoutingError{Cause: contracts.RouteNoTarget, Target: msg.Target, Opcode: msg.Opcode}
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	default:
		return r.submitRequest(ctx, msg, now, ack)
	}
}

func (r *Router) submitRequest(ctx context.Context, msg contracts.Message, now contracts.LogicalTime, ack Ack) (Ack, error) {
	route, err := r.routes.Resolve(msg.Target, msg.Opcode)
	if err != nil {
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}
	if route.Guard != nil {
		allowed, gerr := route.Guard.Allow(msg, now)
		if gerr != nil {
			r.logger.WarnContext(ctx, "route guard failed", "target", msg.Target, "opcode", msg.Opcode, "error", gerr)
		}
		if !allowed {
			err := &contracts.CapabilityDenied{Cause: contracts.DenyPolicy}
			r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
			return Ack{}, err
		}
	}
	granted, err := r.engine.AuthorizeIn(msg.Source, route.Tenant, ResourceTypeIPC, msg.Opcode, route.RightFor(msg.Type), now)
	if err != nil {
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}

	r.dedup.Remember(msg.Metadata.MessageID, now)
	if msg.Type.ExpectsResponse() {
		r.corr.Open(msg, now)
	}
	entry := r.sched.Enqueue(msg, msg.Target, now)
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     msg.Source,
		Action:    audit.ActionAccept,
		Subject:   subjectOf(msg),
		Outcome:   audit.OutcomeOK,
		Reason:    string(granted.ID),
	})
	r.metrics.Message(ctx, "accepted", "")

	ack.Entry = entry.ID
	ack.Capability = granted.ID
	return ack, nil
}

func (r *Router) submitResponse(ctx context.Context, msg contracts.Message, now contracts.LogicalTime, ack Ack) (Ack, error) {
	corr, err := r.corr.Close(msg)
	if err != nil {
		r.deadLetter(ctx, msg, now, err)
		return Ack{}, err
	}
	r.dedup.Remember(msg.Metadata.MessageID, now)
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     msg.Source,
		Action:    audit.ActionAccept,
		Subject:   subjectOf(msg),
		Outcome:   audit.OutcomeOK,
		Reason:    "correlation " + corr.RequestID.String(),
	})
	r.metrics.Message(ctx, "accepted", "")
	ack.Correlation = corr
	return ack, nil
}

func (r *Router) submitControl(ctx context.Context, msg contracts.Message, now contracts.LogicalTime, ack Ack) (Ack, error) {
	if msg.Type != contracts.MessageSystem {
		err := &contracts.RoutingError{Cause: contracts.RouteUnknownOpcode, Target: msg.Target, Opcode: msg.Opcode}
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}
	var (
		reply  any
		action = audit.ActionAccept
		reason string
	)
	switch msg.Opcode {
	case opPing:
		reply = map[string]int64{"pong": int64(now)}
	case opStatus:
		if r.status != nil {
			reply = r.status()
		} else {
			reply = map[string]any{}
		}
	case opCancel:
		var req struct {
			CorrelationID uuid.UUID `json:"correlationId"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.CorrelationID == uuid.Nil {
			err := &contracts.SchemaValidationError{Field: "payload.correlationId", Detail: "required for kernel.cancel"}
			r.record(ctx, now, msg.Source, audit.ActionReject, subjectOf(msg), audit.OutcomeDenied, err)
			return Ack{}, err
		}
		if err := r.corr.Abandon(req.CorrelationID, msg.Source); err != nil {
			r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
			return Ack{}, err
		}
		reply = map[string]string{"abandoned": req.CorrelationID.String()}
		action, reason = audit.ActionCancel, req.CorrelationID.String()
	default:
		err := &contracts.RoutingError{
			Cause:      contracts.RouteUnknownOpcode,
			Target:     contracts.KernelModule,
			Opcode:     msg.Opcode,
			Suggestion: suggest(msg.Opcode, append([]string(nil), kernelOpcodes...)),
		}
		r.record(ctx, now, msg.Source, audit.ActionDeny, subjectOf(msg), audit.OutcomeDenied, err)
		return Ack{}, err
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return Ack{}, fmt.Errorf("router: encode %s reply: %w", msg.Opcode, err)
	}
	r.dedup.Remember(msg.Metadata.MessageID, now)
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     msg.Source,
		Action:    action,
		Subject:   subjectOf(msg),
		Outcome:   audit.OutcomeOK,
		Reason:    reason,
	})
	ack.Reply = body
	return ack, nil
}

// Abandon marks a correlation abandoned on behalf of its requester, as
// kernel.cancel does. The kernel uses it when a blocked request times out.
func (r *Router) Abandon(ctx context.Context, requestID uuid.UUID, requester contracts.ModuleID, now contracts.LogicalTime) error {
	if err := r.corr.Abandon(requestID, requester); err != nil {
		return err
	}
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     requester,
		Action:    audit.ActionCancel,
		Subject:   requestID.String(),
		Outcome:   audit.OutcomeOK,
		Reason:    string(contracts.RouteTimeout),
	})
	return nil
}

// Expire drops every queued entry whose TTL has elapsed at now and audits
// each drop ttl-expired. The expired entries are returned so the kernel can
// fail their senders with Fail.
func (r *Router) Expire(ctx context.Context, now contracts.LogicalTime) []*scheduler.Entry {
	expired := r.sched.Expire(now)
	for _, e := range expired {
		err := &contracts.TTLExpired{MessageID: e.Message.Metadata.MessageID, Deadline: e.Deadline}
		r.append(ctx, audit.Entry{
			Timestamp: now,
			Actor:     contracts.KernelModule,
			Action:    audit.ActionTTLExpired,
			Subject:   subjectOf(e.Message),
			Outcome:   audit.OutcomeDropped,
			Reason:    err.Error(),
		})
		r.metrics.Message(ctx, "expired", err.Reason())
	}
	if n := r.corr.Prune(now, r.sched.HasMessage); n > 0 {
		r.logger.DebugContext(ctx, "pruned correlations", "count", n)
	}
	return expired
}

// Respond answers req with payload on behalf of its target. Like any
// Response it must close req's correlation, but it bypasses ingress rate
// limiting: the request was already admitted.
func (r *Router) Respond(ctx context.Context, req contracts.Message, payload json.RawMessage, now contracts.LogicalTime) (contracts.Message, Ack, error) {
	resp := contracts.ReplyTo(req, payload, now)
	ack, err := r.submitResponse(ctx, resp, now, Ack{MessageID: resp.Metadata.MessageID, Lane: resp.Metadata.Priority})
	if err != nil {
		return resp, Ack{}, err
	}
	return resp, ack, nil
}

// Fail answers req with a kernel-generated failure Response carrying cause.
// A request that expects no Response, or whose correlation is already
// closed or abandoned, yields ok=false.
func (r *Router) Fail(ctx context.Context, req contracts.Message, cause error, now contracts.LogicalTime) (contracts.Message, Ack, bool) {
	if !req.Type.ExpectsResponse() {
		return contracts.Message{}, Ack{}, false
	}
	resp, ack, err := r.Respond(ctx, req, contracts.EncodeError(cause), now)
	if err != nil {
		return contracts.Message{}, Ack{}, false
	}
	return resp, ack, true
}

// RecordDispatch audits that e was handed to instance.
func (r *Router) RecordDispatch(ctx context.Context, e *scheduler.Entry, instance contracts.ModuleID, now contracts.LogicalTime) {
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     contracts.KernelModule,
		Action:    audit.ActionDispatch,
		Subject:   subjectOf(e.Message),
		Outcome:   audit.OutcomeOK,
		Reason:    fmt.Sprintf("%s lane=%s", instance, e.Effective),
	})
	r.metrics.Dispatch(ctx, e.Effective.String())
}

// DeadLetter parks msg and audits why it could not be delivered.
func (r *Router) DeadLetter(ctx context.Context, msg contracts.Message, now contracts.LogicalTime, cause error) {
	r.deadLetter(ctx, msg, now, cause)
}

func (r *Router) deadLetter(ctx context.Context, msg contracts.Message, now contracts.LogicalTime, cause error) {
	reason := contracts.ReasonOf(cause)
	r.dead.Put(DeadLetter{Message: msg, Reason: reason, At: now})
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     msg.Source,
		Action:    audit.ActionDeadLetter,
		Subject:   subjectOf(msg),
		Outcome:   audit.OutcomeDropped,
		Reason:    reason,
	})
	r.metrics.Message(ctx, "dead-lettered", reason)
}

func (r *Router) record(ctx context.Context, now contracts.LogicalTime, actor contracts.ModuleID, action audit.Action, subject string, outcome audit.Outcome, cause error) {
	reason := contracts.ReasonOf(cause)
	if actor == "" {
		actor = "unknown"
	}
	r.append(ctx, audit.Entry{
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Outcome:   outcome,
		Reason:    reason,
	})
	r.metrics.Message(ctx, "denied", reason)
	r.logger.DebugContext(ctx, "message refused", "actor", actor, "subject", subject, "reason", reason)
}

func (r *Router) append(ctx context.Context, e audit.Entry) {
	if _, err := r.trail.Append(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed", "action", e.Action, "error", err)
	}
}

func subjectOf(msg contracts.Message) string {
	if msg.Metadata.MessageID == uuid.Nil {
		return msg.Opcode
	}
	return msg.Metadata.MessageID.String()
}
