package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/limiter"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
)

type fixture struct {
	engine *capability.Engine
	sched  *scheduler.Scheduler
	trail  *audit.Trail
	dead   *MemoryDeadLetters
	router *Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		engine: capability.NewEngine([]byte("router-test-key")),
		sched:  scheduler.New(scheduler.Config{Slots: 1}),
		trail:  audit.NewTrail(0),
		dead:   NewMemoryDeadLetters(10),
	}
	table, err := NewTable()
	require.NoError(t, err)
	require.NoError(t, table.Register("accrual-engine@1.0.0", "acme", []manifest.Export{
		{Opcode: "accrual.calculate"},
		{Opcode: "accrual.balance", Right: "read"},
		{Opcode: "accrual.small", Guard: "payload_size < 16"},
	}))
	require.NoError(t, table.Register("employee@1.0.0", "acme", []manifest.Export{{Opcode: "employee.create"}}))
	f.router = New(cfg, f.engine, f.sched, f.trail, table).WithDeadLetters(f.dead)
	return f
}

func (f *fixture) grant(t *testing.T, holder contracts.ModuleID, pattern string, max int, rights ...capability.Right) capability.ID {
	t.Helper()
	caps, err := f.engine.Issue(holder, []capability.Grant{{
		Resource:    capability.Resource{Type: ResourceTypeIPC, Pattern: pattern, TenantID: "acme"},
		Rights:      capability.NewRights(rights...),
		MaxUseCount: max,
	}})
	require.NoError(t, err)
	return caps[0].ID
}

func command(source, target contracts.ModuleID, opcode string, p contracts.Priority) contracts.Message {
	msg := contracts.NewMessage(contracts.MessageCommand, source, target, opcode, json.RawMessage(`{"employee":"e-1"}`))
	msg.Metadata.Priority = p
	return msg
}

func actions(trail *audit.Trail) []audit.Action {
	var out []audit.Action
	for _, r := range trail.Records() {
		out = append(out, r.Action)
	}
	return out
}

func TestSubmitAcceptsAndConsumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	id := f.grant(t, "A", "accrual.*", 5, capability.RightRead, capability.RightWrite)

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityHigh)
	ack, err := f.router.Submit(ctx, msg, 0)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, id, ack.Capability)
	assert.Equal(t, contracts.PriorityHigh, ack.Lane)

	c, ok := f.engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, c.Validity.UseCount)

	e, ok := f.sched.Get(ack.Entry)
	require.True(t, ok)
	assert.Equal(t, contracts.PriorityHigh, e.Class)
	assert.Equal(t, contracts.ModuleID("accrual-engine"), e.Module)

	_, open := f.router.Correlations().Get(msg.Metadata.MessageID)
	assert.True(t, open)
	assert.Equal(t, []audit.Action{audit.ActionAccept}, actions(f.trail))
}

func TestSubmitDeniesWithoutQueuing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 3, capability.RightWrite)

	_, err := f.router.Submit(ctx, command("A", "employee", "employee.create", contracts.PriorityNormal), 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyPatternMismatch, denied.Cause)
	assert.False(t, contracts.IsRetryable(err))

	for i := 0; i < 3; i++ {
		_, err := f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
		require.NoError(t, err, "use %d", i+1)
	}
	_, err = f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyExhausted, denied.Cause)
	assert.True(t, contracts.IsRetryable(err))

	assert.Equal(t, 3, f.sched.Len())
	assert.Equal(t, 3, f.router.Correlations().Len())

	_, err = f.router.Submit(ctx, command("nobody", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyNotFound, denied.Cause)
}

func TestSubmitQueryNeedsRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	q := contracts.NewMessage(contracts.MessageQuery, "A", "accrual-engine", "accrual.calculate", nil)
	_, err := f.router.Submit(ctx, q, 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyMissingRight, denied.Cause)

	// An export-level right overrides the type default.
	_, err = f.router.Submit(ctx, command("A", "accrual-engine", "accrual.balance", contracts.PriorityNormal), 0)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyMissingRight, denied.Cause)
}

func TestSubmitRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	msg.Metadata.SchemaVersion = 99
	_, err := f.router.Submit(ctx, msg, 0)
	var sve *contracts.SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "metadata.schemaVersion", sve.Field)
	assert.Zero(t, f.sched.Len())
	assert.Equal(t, []audit.Action{audit.ActionReject}, actions(f.trail))
}

func TestSubmitUnsetPriorityIsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", capability.Unlimited, capability.RightWrite)

	msg := contracts.Message{
		Type:   contracts.MessageCommand,
		Source: "A",
		Target: "accrual-engine",
		Opcode: "accrual.calculate",
		Metadata: contracts.Metadata{
			MessageID:     uuid.New(),
			SchemaVersion: contracts.SchemaVersion,
		},
	}
	_, err := f.router.Submit(ctx, msg, 0)
	var sve *contracts.SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "metadata.priority", sve.Field)
	assert.Zero(t, f.sched.Len())
}

func TestSubmitDeniesOtherTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	require.NoError(t, f.router.Routes().Register("ledger@1.0.0", "globex", []manifest.Export{{Opcode: "ledger.post"}}))
	f.grant(t, "A", "ledger.*", capability.Unlimited, capability.RightWrite)

	_, err := f.router.Submit(ctx, command("A", "ledger", "ledger.post", contracts.PriorityNormal), 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyPatternMismatch, denied.Cause)
	assert.Zero(t, f.sched.Len())
}

func TestSubmitDuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DedupCapacity: 100, DedupRetention: time.Minute})
	id := f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	_, err := f.router.Submit(ctx, msg, 0)
	require.NoError(t, err)

	ack, err := f.router.Submit(ctx, msg, 5)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	c, _ := f.engine.Get(id)
	assert.Equal(t, 1, c.Validity.UseCount)
	assert.Equal(t, 1, f.sched.Len())
	assert.Len(t, f.trail.Records(), 1)
}

func TestSubmitDeniedIDIsNotRemembered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DedupCapacity: 100, DedupRetention: time.Minute})

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	_, err := f.router.Submit(ctx, msg, 0)
	require.Error(t, err)

	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)
	ack, err := f.router.Submit(ctx, msg, 1)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
}

func TestSubmitRoutingErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "*", 10, capability.RightWrite)

	_, err := f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculat", contracts.PriorityNormal), 0)
	var rerr *contracts.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteUnknownOpcode, rerr.Cause)
	assert.Equal(t, "accrual.calculate", rerr.Suggestion)

	_, err = f.router.Submit(ctx, command("A", "acrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteNoTarget, rerr.Cause)
	assert.Equal(t, "accrual-engine", rerr.Suggestion)

	f.router.Routes().MarkDraining("accrual-engine")
	_, err = f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteDraining, rerr.Cause)
	assert.True(t, rerr.Retryable())

	assert.Zero(t, f.sched.Len())
}

func TestSubmitGuardDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 10, capability.RightWrite)

	big := command("A", "accrual-engine", "accrual.small", contracts.PriorityNormal)
	_, err := f.router.Submit(ctx, big, 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyPolicy, denied.Cause)

	small := contracts.NewMessage(contracts.MessageEvent, "A", "accrual-engine", "accrual.small", json.RawMessage(`{}`))
	_, err = f.router.Submit(ctx, small, 0)
	require.NoError(t, err)
}

func TestTableRejectsBadGuard(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)
	err = table.Register("x@1.0.0", "acme", []manifest.Export{{Opcode: "x.run", Guard: "payload_size"}})
	require.Error(t, err)
	_, ok := table.Instance("x")
	assert.False(t, ok)
}

func TestSubmitSystemPriorityReserved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "*", 10, capability.RightWrite)

	_, err := f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PrioritySystem), 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyMissingRight, denied.Cause)
}

func TestSubmitRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RateLimit: limiter.Policy{PerSecond: 1, Burst: 1}})
	f.router.WithLimiter(limiter.NewMemoryStore())
	f.grant(t, "A", "*", 10, capability.RightWrite)

	_, err := f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 0)
	require.NoError(t, err)

	_, err = f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 10)
	var rle *contracts.ResourceLimitExceeded
	require.ErrorAs(t, err, &rle)
	assert.True(t, contracts.IsRetryable(err))

	_, err = f.router.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal), 1010)
	require.NoError(t, err)
}

func TestResponseClosesCorrelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	req := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityHigh)
	_, err := f.router.Submit(ctx, req, 0)
	require.NoError(t, err)

	resp := contracts.ReplyTo(req, json.RawMessage(`{"hours":8}`), 3)
	ack, err := f.router.Submit(ctx, resp, 3)
	require.NoError(t, err)
	require.NotNil(t, ack.Correlation)
	assert.Equal(t, req.Metadata.MessageID, ack.Correlation.RequestID)
	assert.Zero(t, f.router.Correlations().Len())

	// A second Response for the same request is unmatched.
	again := contracts.ReplyTo(req, json.RawMessage(`{}`), 4)
	again.Metadata.MessageID = uuid.New()
	_, err = f.router.Submit(ctx, again, 4)
	var rerr *contracts.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteUnknownCorrelation, rerr.Cause)
	require.Equal(t, 1, f.dead.Len())
	assert.Equal(t, "unknown-correlation", f.dead.Items()[0].Reason)
	assert.Equal(t, audit.ActionDeadLetter, f.trail.Records()[len(f.trail.Records())-1].Action)
}

func TestResponseMustMirrorRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	req := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	_, err := f.router.Submit(ctx, req, 0)
	require.NoError(t, err)

	forged := contracts.ReplyTo(req, nil, 1)
	forged.Source = "employee"
	_, err = f.router.Submit(ctx, forged, 1)
	require.Error(t, err)
	assert.Equal(t, 1, f.router.Correlations().Len(), "a forged reply must not close the request")
}

func TestKernelCancelAbandonsCorrelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	req := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	_, err := f.router.Submit(ctx, req, 0)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"correlationId": req.Metadata.MessageID.String()})
	other := contracts.NewMessage(contracts.MessageSystem, "B", contracts.KernelModule, "kernel.cancel", payload)
	_, err = f.router.Submit(ctx, other, 1)
	require.Error(t, err, "only the requester may cancel")

	cancel := contracts.NewMessage(contracts.MessageSystem, "A", contracts.KernelModule, "kernel.cancel", payload)
	ack, err := f.router.Submit(ctx, cancel, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"abandoned":"`+req.Metadata.MessageID.String()+`"}`, string(ack.Reply))

	late := contracts.ReplyTo(req, json.RawMessage(`{}`), 2)
	_, err = f.router.Submit(ctx, late, 2)
	var rerr *contracts.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteCancelled, rerr.Cause)
	assert.Equal(t, "cancelled", f.dead.Items()[0].Reason)
}

func TestKernelControlOpcodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.router.WithStatus(func() any { return map[string]int{"modules": 2} })

	ack, err := f.router.Submit(ctx, contracts.NewMessage(contracts.MessageSystem, "A", contracts.KernelModule, "kernel.ping", nil), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":42}`, string(ack.Reply))

	ack, err = f.router.Submit(ctx, contracts.NewMessage(contracts.MessageSystem, "A", contracts.KernelModule, "kernel.status", nil), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"modules":2}`, string(ack.Reply))

	_, err = f.router.Submit(ctx, contracts.NewMessage(contracts.MessageSystem, "A", contracts.KernelModule, "kernel.pong", nil), 42)
	var rerr *contracts.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteUnknownOpcode, rerr.Cause)
	assert.Equal(t, "kernel.ping", rerr.Suggestion)

	_, err = f.router.Submit(ctx, contracts.NewMessage(contracts.MessageSystem, "A", "accrual-engine", "kernel.ping", nil), 42)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteNoTarget, rerr.Cause)
}

func TestExpireDropsAndAudits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityLow)
	msg.Metadata.TTL = 10 * time.Millisecond
	_, err := f.router.Submit(ctx, msg, 0)
	require.NoError(t, err)

	assert.Empty(t, f.router.Expire(ctx, 9))
	expired := f.router.Expire(ctx, 10)
	require.Len(t, expired, 1)
	assert.Zero(t, f.sched.Len())
	assert.Equal(t, []audit.Action{audit.ActionAccept, audit.ActionTTLExpired}, actions(f.trail))

	resp, ack, ok := f.router.Fail(ctx, expired[0].Message, &contracts.TTLExpired{MessageID: msg.Metadata.MessageID, Deadline: 10}, 10)
	require.True(t, ok)
	assert.Equal(t, msg.Metadata.MessageID, ack.Correlation.RequestID)
	failure, isFailure := contracts.DecodeError(resp.Payload)
	require.True(t, isFailure)
	assert.Equal(t, "ttl-expired", failure.Reason)
	assert.True(t, failure.Retryable)
}

func TestFailSkipsEvents(t *testing.T) {
	f := newFixture(t, Config{})
	ev := contracts.NewMessage(contracts.MessageEvent, "A", "accrual-engine", "accrual.calculate", nil)
	_, _, ok := f.router.Fail(context.Background(), ev, errors.New("boom"), 0)
	assert.False(t, ok)
}

func TestRespondBypassesLimiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RateLimit: limiter.Policy{PerSecond: 1, Burst: 1}})
	f.router.WithLimiter(limiter.NewMemoryStore())
	f.grant(t, "A", "accrual.*", 5, capability.RightWrite)

	req := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityHigh)
	_, err := f.router.Submit(ctx, req, 0)
	require.NoError(t, err)

	resp, ack, err := f.router.Respond(ctx, req, json.RawMessage(`{"hours":8}`), 1)
	require.NoError(t, err)
	assert.Equal(t, req.Metadata.MessageID, resp.Metadata.CorrelationID)
	assert.Equal(t, contracts.ModuleID("A"), resp.Target)
	require.NotNil(t, ack.Correlation)

	// The correlation is closed; failing the request now yields nothing.
	_, _, ok := f.router.Fail(ctx, req, errors.New("late"), 2)
	assert.False(t, ok)
	assert.Equal(t, 1, f.dead.Len())
}

func TestPerTargetFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.grant(t, "A", "*", 10, capability.RightWrite)

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
		ids = append(ids, msg.Metadata.MessageID)
		_, err := f.router.Submit(ctx, msg, contracts.LogicalTime(i))
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		e := f.sched.Next(10, nil)
		require.NotNil(t, e)
		assert.Equal(t, ids[i], e.Message.Metadata.MessageID)
		require.NoError(t, f.sched.Complete(e.ID))
	}
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(2, 100*time.Millisecond)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	d.Remember(a, 0)
	d.Remember(b, 10)
	assert.True(t, d.Seen(a, 20))

	d.Remember(c, 20)
	assert.False(t, d.Seen(a, 20), "capacity evicts the oldest")
	assert.True(t, d.Seen(b, 20))

	assert.False(t, d.Seen(b, 111), "retention evicts by logical age")
	assert.True(t, d.Seen(c, 111))
	assert.Equal(t, 1, d.Len())
}

func TestCorrelationPrune(t *testing.T) {
	c := NewCorrelations(50 * time.Millisecond)
	req := contracts.NewMessage(contracts.MessageCommand, "A", "B", "b.run", nil)
	c.Open(req, 0)
	require.Len(t, c.Pending("B"), 1)

	assert.Zero(t, c.Prune(50, nil))
	assert.Equal(t, 1, c.Prune(51, nil))
	assert.Zero(t, c.Len())
}

func TestCorrelationPruneKeepsLiveRequests(t *testing.T) {
	c := NewCorrelations(50 * time.Millisecond)
	queued := contracts.NewMessage(contracts.MessageCommand, "A", "B", "b.run", nil)
	c.Open(queued, 0)

	ttl := contracts.NewMessage(contracts.MessageQuery, "A", "B", "b.read", nil)
	ttl.Metadata.TTL = 200 * time.Millisecond
	c.Open(ttl, 0)

	live := func(id uuid.UUID) bool { return id == queued.Metadata.MessageID }
	assert.Zero(t, c.Prune(10_000_000, func(uuid.UUID) bool { return true }), "live requests are never pruned")
	assert.Zero(t, c.Prune(199, live), "no TTL deadline yet")
	assert.Equal(t, 1, c.Prune(200, live))

	_, ok := c.Get(queued.Metadata.MessageID)
	assert.True(t, ok, "a long-queued request keeps its correlation")
	corr, ok := c.Get(ttl.Metadata.MessageID)
	assert.False(t, ok)
	assert.Nil(t, corr)
}

func TestLongQueuedResponseIsDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DedupRetention: 50 * time.Millisecond})
	f.grant(t, "A", "accrual.*", capability.Unlimited, capability.RightWrite)

	req := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityIdle)
	_, err := f.router.Submit(ctx, req, 0)
	require.NoError(t, err)

	f.router.Expire(ctx, 10_000)
	e := f.sched.Next(10_000, nil)
	require.NotNil(t, e)
	require.NoError(t, f.sched.Complete(e.ID))

	_, ack, err := f.router.Respond(ctx, req, json.RawMessage(`{"ok":true}`), 10_001)
	require.NoError(t, err)
	require.NotNil(t, ack.Correlation)
	assert.Zero(t, f.dead.Len())
}
