package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/loader"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
)

func boot(t *testing.T, opts Options) *State {
	t.Helper()
	if opts.Seed == nil {
		opts.Seed = []byte("kernel-test-seed")
	}
	if opts.Tenants == nil {
		opts.Tenants = []string{"acme"}
	}
	s, err := Boot(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func module(name, version string, sliceMs int64, exports ...string) *manifest.Manifest {
	m := &manifest.Manifest{
		Name:    name,
		Version: version,
		Tenant:  "acme",
		Budget:  manifest.Budget{MemoryBytes: 1 << 20, CPUTimeSliceMs: sliceMs},
		Capabilities: []manifest.CapabilityRequest{
			{ResourceType: "time", ResourcePattern: "sys.time.*", Rights: []string{"read"}, Reason: "stamp results"},
		},
	}
	for _, op := range exports {
		m.Exports = append(m.Exports, manifest.Export{Opcode: op})
	}
	return m
}

// reply answers every message with a fixed payload.
func reply(payload string) Handler {
	return HandlerFunc(func(context.Context, Env, contracts.Message) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
}

func grant(t *testing.T, s *State, holder contracts.ModuleID, pattern string) capability.ID {
	t.Helper()
	caps, err := s.Engine().Issue(holder, []capability.Grant{{
		Resource:    capability.Resource{Type: router.ResourceTypeIPC, Pattern: pattern, TenantID: "acme"},
		Rights:      capability.NewRights(capability.RightRead, capability.RightWrite),
		MaxUseCount: capability.Unlimited,
	}})
	require.NoError(t, err)
	return caps[0].ID
}

func command(source, target contracts.ModuleID, opcode string, p contracts.Priority) contracts.Message {
	msg := contracts.NewMessage(contracts.MessageCommand, source, target, opcode, json.RawMessage(`{"employee":"e-1"}`))
	msg.Metadata.Priority = p
	return msg
}

func actionsFor(trail *audit.Trail, subject string) []audit.Action {
	var out []audit.Action
	for _, r := range trail.Records() {
		if r.Subject == subject {
			out = append(out, r.Action)
		}
	}
	return out
}

func failure(t *testing.T, resp contracts.Message) contracts.ErrorPayload {
	t.Helper()
	fp, ok := contracts.DecodeError(resp.Payload)
	require.True(t, ok, "expected a failure payload, got %s", resp.Payload)
	return fp
}

func TestBootRequiresSeed(t *testing.T) {
	_, err := Boot(Options{})
	require.Error(t, err)
}

func TestAccrualCommandEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})

	mux := NewMux().RegisterFunc("accrual.calculate", func(_ context.Context, _ Env, msg contracts.Message) (json.RawMessage, error) {
		return json.RawMessage(`{"hours":8}`), nil
	})
	id, err := s.Install(ctx, module("accrual-engine", "1.0.0", 15, "accrual.calculate"), mux)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModuleID("accrual-engine@1.0.0"), id)

	caps, err := s.Engine().Issue("A", []capability.Grant{{
		Resource:    capability.Resource{Type: router.ResourceTypeIPC, Pattern: "accrual.*", TenantID: "acme"},
		Rights:      capability.NewRights(capability.RightRead, capability.RightWrite),
		MaxUseCount: 5,
	}})
	require.NoError(t, err)

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityHigh)
	ack, err := s.Submit(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, caps[0].ID, ack.Capability)
	assert.Equal(t, contracts.PriorityHigh, ack.Lane)

	c, ok := s.Engine().Get(caps[0].ID)
	require.True(t, ok)
	assert.Equal(t, 1, c.Validity.UseCount)
	assert.Equal(t, 1, s.Status().Lanes["high"])

	d, ok := s.Next(ctx)
	require.True(t, ok)
	assert.False(t, d.Resumed)
	assert.Equal(t, id, d.Instance)
	assert.Equal(t, 15*time.Millisecond, d.Budget)
	e, ok := s.Scheduler().Get(d.Entry)
	require.True(t, ok)
	assert.LessOrEqual(t, e.StartedAt.Sub(e.EnqueuedAt), 15*time.Millisecond)

	out, herr := invoke(ctx, d, &inlineEnv{s: s, entry: d.Entry, instance: d.Instance})
	require.NoError(t, herr)
	resp, err := s.Complete(ctx, d.Entry, out, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, msg.Metadata.MessageID, resp.Metadata.CorrelationID)
	assert.Equal(t, contracts.ModuleID("A"), resp.Target)
	assert.JSONEq(t, `{"hours":8}`, string(resp.Payload))

	assert.Equal(t, []audit.Action{audit.ActionAccept, audit.ActionDispatch}, actionsFor(s.Trail(), msg.Metadata.MessageID.String()))
	assert.Len(t, s.Outbox(), 1)
	assert.Zero(t, s.Router().Correlations().Len())
	require.NoError(t, s.Trail().Verify())
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	_, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")

	for _, p := range []contracts.Priority{contracts.PriorityLow, contracts.PriorityNormal, contracts.PriorityHigh} {
		_, err := s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", p))
		require.NoError(t, err)
	}

	var lanes []contracts.Priority
	for {
		d, ok := s.Next(ctx)
		if !ok {
			break
		}
		lanes = append(lanes, d.Lane)
		_, err := s.Complete(ctx, d.Entry, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []contracts.Priority{contracts.PriorityHigh, contracts.PriorityNormal, contracts.PriorityLow}, lanes)
}

func TestAgingBoostsStarvedEntry(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	_, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")

	starved := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityLow)
	_, err = s.Submit(ctx, starved)
	require.NoError(t, err)

	res, err := s.Advance(ctx, 1001*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Boosted)

	fresh := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal)
	_, err = s.Submit(ctx, fresh)
	require.NoError(t, err)
	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityLow))
	require.NoError(t, err)

	var order []contracts.Message
	for {
		d, ok := s.Next(ctx)
		if !ok {
			break
		}
		order = append(order, d.Message)
		_, err := s.Complete(ctx, d.Entry, nil, nil)
		require.NoError(t, err)
	}
	require.Len(t, order, 3)
	assert.Equal(t, starved.Metadata.MessageID, order[0].Metadata.MessageID)
	assert.Equal(t, fresh.Metadata.MessageID, order[1].Metadata.MessageID)
}

func TestHotSwapDropsNothing(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	v1, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{"v":1}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")

	const n = 5
	for i := 0; i < n; i++ {
		_, err := s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
		require.NoError(t, err)
	}
	first, ok := s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, v1, first.Instance)

	v2, err := s.HotSwap(ctx, v1, module("accrual-engine", "1.1.0", 0, "accrual.calculate"), reply(`{"v":2}`))
	require.NoError(t, err)
	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	require.NoError(t, err, "messages sent during the swap are accepted")

	_, err = s.Complete(ctx, first.Entry, json.RawMessage(`{"v":1}`), nil)
	require.NoError(t, err)
	_, ok = s.Loader().Get(v1)
	assert.False(t, ok, "old version unloads once drained")

	ran, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, ran)

	out := s.Outbox()
	require.Len(t, out, n+1)
	for i, resp := range out {
		_, failed := contracts.DecodeError(resp.Payload)
		assert.False(t, failed, "response %d failed: %s", i, resp.Payload)
	}
	assert.JSONEq(t, `{"v":1}`, string(out[0].Payload))
	assert.JSONEq(t, `{"v":2}`, string(out[n].Payload))

	inst, ok := s.Loader().Resolve("accrual-engine")
	require.True(t, ok)
	assert.Equal(t, v2, inst)
	assert.Zero(t, s.Router().Correlations().Len())
}

func TestDrainTimeoutTerminates(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{DrainTimeout: 100 * time.Millisecond})
	id, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")

	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	require.NoError(t, err)
	d, ok := s.Next(ctx)
	require.True(t, ok)

	done, err := s.Unload(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	var rerr *contracts.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, contracts.RouteDraining, rerr.Cause)

	res, err := s.Advance(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []contracts.ModuleID{id}, res.Terminated)
	_, ok = s.Loader().Get(id)
	assert.False(t, ok)
	assert.Empty(t, s.Engine().Owned(id))

	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, "resource-limit", failure(t, out[0]).Reason)

	_, err = s.Complete(ctx, d.Entry, nil, nil)
	require.ErrorIs(t, err, ErrEntryGone)
	assert.Contains(t, actionsFor(s.Trail(), string(id)), audit.ActionDrainTimeout)
}

func TestTTLExpiryFailsSender(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	_, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")

	msg := command("A", "accrual-engine", "accrual.calculate", contracts.PriorityLow)
	msg.Metadata.TTL = 50 * time.Millisecond
	_, err = s.Submit(ctx, msg)
	require.NoError(t, err)

	res, err := s.Advance(ctx, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, s.Scheduler().Len())

	out := s.Outbox()
	require.Len(t, out, 1)
	fp := failure(t, out[0])
	assert.Equal(t, "ttl-expired", fp.Reason)
	assert.True(t, fp.Retryable)
	assert.Equal(t, msg.Metadata.MessageID, out[0].Metadata.CorrelationID)
}

func TestSyscallsFromHandler(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{Start: 1000})
	mux := NewMux().
		RegisterFunc("clock.now", func(ctx context.Context, env Env, _ contracts.Message) (json.RawMessage, error) {
			return env.Syscall(ctx, "sys.time.now", "", nil)
		}).
		RegisterFunc("clock.bogus", func(ctx context.Context, env Env, _ contracts.Message) (json.RawMessage, error) {
			return env.Syscall(ctx, "sys.time.sundial", "", nil)
		}).
		RegisterFunc("clock.wait", func(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error) {
			resp, err := env.Request(ctx, command("", "clock", "clock.now", contracts.PriorityNormal))
			return resp.Payload, err
		})
	id, err := s.Install(ctx, module("clock", "1.0.0", 0, "clock.now", "clock.bogus", "clock.wait"), mux)
	require.NoError(t, err)
	grant(t, s, "A", "clock.*")

	_, err = s.Advance(ctx, 42*time.Millisecond)
	require.NoError(t, err)
	for _, op := range []string{"clock.now", "clock.bogus", "clock.wait"} {
		_, err := s.Submit(ctx, command("A", "clock", op, contracts.PriorityNormal))
		require.NoError(t, err)
	}
	ran, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ran)

	out := s.Outbox()
	require.Len(t, out, 3)
	assert.JSONEq(t, `{"now":1042}`, string(out[0].Payload))
	assert.Equal(t, "unknown-syscall", failure(t, out[1]).Reason)
	assert.Contains(t, failure(t, out[2]).Error, ErrWouldBlock.Error())

	mod, ok := s.Loader().Get(id)
	require.True(t, ok, "ordinary handler errors keep the module loaded")
	assert.Equal(t, uint64(2), mod.Stats.Syscalls)
}

func TestPreemptAtSyscall(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{Scheduler: scheduler.Config{Slots: 1}})
	_, err := s.Install(ctx, module("batch", "1.0.0", 0, "batch.run"), reply(`{"batch":true}`))
	require.NoError(t, err)
	_, err = s.Install(ctx, module("urgent", "1.0.0", 0, "urgent.run"), reply(`{"urgent":true}`))
	require.NoError(t, err)
	grant(t, s, "A", "*")

	_, err = s.Submit(ctx, command("A", "batch", "batch.run", contracts.PriorityLow))
	require.NoError(t, err)
	slow, ok := s.Next(ctx)
	require.True(t, ok)

	_, err = s.Submit(ctx, command("A", "urgent", "urgent.run", contracts.PriorityHigh))
	require.NoError(t, err)
	_, ok = s.Next(ctx)
	require.False(t, ok, "the only slot is taken")

	p, parked, err := s.Syscall(ctx, slow.Entry, "sys.time.now", "", nil, true)
	require.NoError(t, err)
	assert.True(t, parked)
	assert.NotNil(t, p.Result)

	fast, ok := s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, contracts.ModuleID("urgent"), fast.Message.Target)
	_, err = s.Complete(ctx, fast.Entry, json.RawMessage(`{"urgent":true}`), nil)
	require.NoError(t, err)

	again, ok := s.Next(ctx)
	require.True(t, ok)
	assert.True(t, again.Resumed)
	assert.Equal(t, slow.Entry, again.Entry)
	assert.Equal(t, slow.Instance, again.Instance)
	_, err = s.Complete(ctx, again.Entry, json.RawMessage(`{"batch":true}`), nil)
	require.NoError(t, err)

	e := s.Outbox()
	require.Len(t, e, 2)
	assert.Equal(t, contracts.ModuleID("urgent"), e[0].Source)
	assert.Equal(t, contracts.ModuleID("batch"), e[1].Source)
	assert.Equal(t, 1, countActions(s.Trail(), slow.Message.Metadata.MessageID.String(), audit.ActionDispatch))
}

func countActions(trail *audit.Trail, subject string, action audit.Action) int {
	n := 0
	for _, a := range actionsFor(trail, subject) {
		if a == action {
			n++
		}
	}
	return n
}

func TestCPUBudgetBreachTerminates(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	spin := HandlerFunc(func(ctx context.Context, _ Env, _ contracts.Message) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id, err := s.Install(ctx, module("spinner", "1.0.0", 20, "spinner.spin"), spin)
	require.NoError(t, err)
	grant(t, s, "A", "spinner.*")

	_, err = s.Submit(ctx, command("A", "spinner", "spinner.spin", contracts.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Submit(ctx, command("A", "spinner", "spinner.spin", contracts.PriorityNormal))
	require.NoError(t, err)

	ran, err := s.Step(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	_, ok := s.Loader().Get(id)
	assert.False(t, ok)
	assert.Zero(t, s.Scheduler().Len(), "queued work for the name is failed")

	out := s.Outbox()
	require.Len(t, out, 2)
	assert.Equal(t, "resource-limit", failure(t, out[0]).Reason)
	assert.Equal(t, "no-target", failure(t, out[1]).Reason)
	assert.Contains(t, actionsFor(s.Trail(), string(id)), audit.ActionResourceLimit)
}

func TestHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	id, err := s.Install(ctx, module("fragile", "1.0.0", 0, "fragile.poke"), HandlerFunc(func(context.Context, Env, contracts.Message) (json.RawMessage, error) {
		panic("boom")
	}))
	require.NoError(t, err)
	grant(t, s, "A", "fragile.*")

	_, err = s.Submit(ctx, command("A", "fragile", "fragile.poke", contracts.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Drain(ctx)
	require.NoError(t, err)

	out := s.Outbox()
	require.Len(t, out, 1)
	fp := failure(t, out[0])
	assert.Equal(t, "internal", fp.Reason)
	assert.Contains(t, fp.Error, "boom")
	mod, ok := s.Loader().Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), mod.Stats.Errors)
}

func TestUnloadFailsQueuedMessages(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	id, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")
	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	require.NoError(t, err)

	done, err := s.Unload(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, "no-target", failure(t, out[0]).Reason)
	assert.Zero(t, s.Scheduler().Len())
}

func TestApplyRecordsFactoryFailure(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	m := module("accrual-engine", "1.0.0", 0, "accrual.calculate")

	bad := func(context.Context, *manifest.Manifest) (Handler, error) {
		return nil, &contracts.DeterminismViolation{Module: m.ID(), Source: "wasi:clock_time_get"}
	}
	_, err := s.Apply(ctx, loader.Change{Path: "accrual.yaml", Kind: loader.ChangeUpsert, Manifest: m}, bad)
	var dv *contracts.DeterminismViolation
	require.ErrorAs(t, err, &dv)
	assert.Equal(t, []audit.Action{audit.ActionDeterminismViolation}, actionsFor(s.Trail(), string(m.ID())))
	assert.Zero(t, s.Loader().Len())

	good := func(context.Context, *manifest.Manifest) (Handler, error) { return reply(`{}`), nil }
	id, err := s.Apply(ctx, loader.Change{Path: "accrual.yaml", Kind: loader.ChangeUpsert, Manifest: m}, good)
	require.NoError(t, err)
	again, err := s.Apply(ctx, loader.Change{Path: "accrual.yaml", Kind: loader.ChangeUpsert, Manifest: m}, bad)
	require.NoError(t, err, "an unchanged manifest is a no-op")
	assert.Equal(t, id, again)

	_, err = s.Apply(ctx, loader.Change{Path: "accrual.yaml", Kind: loader.ChangeRemove, Module: id}, good)
	require.NoError(t, err)
	assert.Zero(t, s.Loader().Len())
}

func TestShutdownRejectsWork(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	_, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)
	grant(t, s, "A", "accrual.*")
	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	require.NoError(t, err)
	_, ok := s.Next(ctx)
	require.True(t, ok)

	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, s.Loader().Len())
	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, "cancelled", failure(t, out[0]).Reason)

	_, err = s.Submit(ctx, command("A", "accrual-engine", "accrual.calculate", contracts.PriorityNormal))
	require.True(t, errors.Is(err, ErrShutdown))
	_, err = s.Install(ctx, module("other", "1.0.0", 0, "other.op"), reply(`{}`))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestKernelStatusOverIPC(t *testing.T) {
	ctx := context.Background()
	s := boot(t, Options{})
	_, err := s.Install(ctx, module("accrual-engine", "1.0.0", 0, "accrual.calculate"), reply(`{}`))
	require.NoError(t, err)

	ack, err := s.Submit(ctx, contracts.NewMessage(contracts.MessageSystem, "operator", contracts.KernelModule, "kernel.status", nil))
	require.NoError(t, err)
	var st struct {
		Modules []struct {
			ID    contracts.ModuleID `json:"id"`
			State string             `json:"state"`
		} `json:"modules"`
		ScheduleHash string `json:"scheduleHash"`
	}
	require.NoError(t, json.Unmarshal(ack.Reply, &st))
	require.Len(t, st.Modules, 1)
	assert.Equal(t, contracts.ModuleID("accrual-engine@1.0.0"), st.Modules[0].ID)
	assert.Equal(t, "running", st.Modules[0].State)
	assert.NotEmpty(t, st.ScheduleHash)
}
