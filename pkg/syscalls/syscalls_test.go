package syscalls

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

var testSeed = []byte("0123456789abcdef0123456789abcdef")

func newMediator(t *testing.T, grants ...capability.Grant) (*Mediator, *audit.Trail) {
	t.Helper()
	engine := capability.NewEngine([]byte("syscall-test-key"))
	if len(grants) > 0 {
		_, err := engine.Issue("payroll@1.0.0", grants)
		require.NoError(t, err)
	}
	trail := audit.NewTrail(0)
	return NewMediator(engine, trail, testSeed), trail
}

func grant(rtype, pattern string, rights ...capability.Right) capability.Grant {
	return capability.Grant{
		Resource:    capability.Resource{Type: rtype, Pattern: pattern, TenantID: "acme"},
		Rights:      capability.NewRights(rights...),
		MaxUseCount: capability.Unlimited,
	}
}

func TestLookup(t *testing.T) {
	s, err := Lookup("sys.fs.read")
	require.NoError(t, err)
	assert.Equal(t, ResourceFile, s.ResourceType)
	assert.Equal(t, capability.RightRead, s.Right)

	_, err = Lookup("sys.fs.raed")
	var unknown *contracts.UnknownSyscall
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "sys.fs.read", unknown.Suggestion)

	_, err = Lookup("open")
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, unknown.Suggestion)
}

func TestTimeNowIsLogical(t *testing.T) {
	ctx := context.Background()
	m, _ := newMediator(t, grant(ResourceTime, "*", capability.RightRead))

	out, err := m.Invoke(ctx, nil, Call{Module: "payroll@1.0.0", Name: "sys.time.now"}, 1234)
	require.NoError(t, err)
	assert.JSONEq(t, `{"now":1234}`, string(out))
}

func TestDeniedWithoutCapability(t *testing.T) {
	ctx := context.Background()
	m, trail := newMediator(t, grant(ResourceFile, "reports/*", capability.RightRead))

	_, err := m.Invoke(ctx, nil, Call{Module: "payroll@1.0.0", Name: "sys.fs.write", Resource: "reports/q1.csv"}, 0)
	var denied *contracts.CapabilityDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyMissingRight, denied.Cause)

	_, err = m.Invoke(ctx, nil, Call{Module: "payroll@1.0.0", Name: "sys.fs.read", Resource: "secrets/key"}, 0)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, contracts.DenyPatternMismatch, denied.Cause)

	_, err = m.Invoke(ctx, nil, Call{Module: "payroll@1.0.0", Name: "sys.time.now"}, 0)
	require.ErrorAs(t, err, &denied)

	recs := trail.Records()
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, audit.ActionSyscall, r.Action)
		assert.Equal(t, audit.OutcomeDenied, r.Outcome)
	}
}

func TestUnknownSyscallIsAudited(t *testing.T) {
	m, trail := newMediator(t)
	_, err := m.Invoke(context.Background(), nil, Call{Module: "payroll@1.0.0", Name: "sys.clock.wall"}, 0)
	var unknown *contracts.UnknownSyscall
	require.ErrorAs(t, err, &unknown)
	require.Len(t, trail.Records(), 1)
	assert.Equal(t, "unknown-syscall", trail.Records()[0].Reason)
}

func TestForwardedCallsCarryExplicitInputs(t *testing.T) {
	ctx := context.Background()
	m, _ := newMediator(t, grant(ResourceDB, "ledger.*", capability.RightRead))

	var seen []HostRequest
	host := FuncHost{"sys.db.query": func(_ context.Context, req HostRequest) (json.RawMessage, error) {
		seen = append(seen, req)
		return json.RawMessage(`{"rows":[]}`), nil
	}}

	call := Call{Module: "payroll@1.0.0", Name: "sys.db.query", Resource: "ledger.entries", Payload: json.RawMessage(`{"q":"all"}`)}
	out, err := m.Invoke(ctx, host, call, 77)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":[]}`, string(out))
	_, err = m.Invoke(ctx, host, call, 78)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, contracts.LogicalTime(77), seen[0].LogicalTime)
	assert.Equal(t, "ledger.entries", seen[0].Resource)
	assert.Len(t, seen[0].Seed, 32)
	assert.NotEqual(t, seen[0].Seed, seen[1].Seed, "each call gets a fresh seed")

	// A second mediator with the same boot seed derives the same sequence.
	again, _ := newMediator(t, grant(ResourceDB, "ledger.*", capability.RightRead))
	p, err := again.Prepare(ctx, call, 77)
	require.NoError(t, err)
	assert.Equal(t, seen[0].Seed, p.Host.Seed)
}

func TestForwardWithoutHost(t *testing.T) {
	m, _ := newMediator(t, grant(ResourceNet, "*", capability.RightRead))
	_, err := m.Invoke(context.Background(), nil, Call{Module: "payroll@1.0.0", Name: "sys.net.fetch", Resource: "https://example.test"}, 0)
	require.ErrorContains(t, err, "no host shell")
}

func TestCryptoRandomIsDeterministic(t *testing.T) {
	ctx := context.Background()
	call := Call{Module: "payroll@1.0.0", Name: "sys.crypto.random", Payload: json.RawMessage(`{"n":16}`)}

	m1, _ := newMediator(t, grant(ResourceCrypto, "sys.crypto.*", capability.RightExecute))
	m2, _ := newMediator(t, grant(ResourceCrypto, "sys.crypto.*", capability.RightExecute))

	a, err := m1.Invoke(ctx, nil, call, 0)
	require.NoError(t, err)
	b, err := m2.Invoke(ctx, nil, call, 0)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	c, err := m1.Invoke(ctx, nil, call, 0)
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(c))

	var out struct {
		Bytes string `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(a, &out))
	assert.Len(t, out.Bytes, 32)

	_, err = m1.Invoke(ctx, nil, Call{Module: "payroll@1.0.0", Name: "sys.crypto.random", Payload: json.RawMessage(`{"n":0}`)}, 0)
	var sve *contracts.SchemaValidationError
	require.ErrorAs(t, err, &sve)
}

func TestCryptoHash(t *testing.T) {
	m, _ := newMediator(t, grant(ResourceCrypto, "*", capability.RightExecute))
	out, err := m.Invoke(context.Background(), nil, Call{Module: "payroll@1.0.0", Name: "sys.crypto.hash", Payload: json.RawMessage(`{"data":"abc"}`)}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sha256":"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"}`, string(out))
}

func TestAuditLogAppendsModuleRecord(t *testing.T) {
	m, trail := newMediator(t, grant(ResourceAudit, "*", capability.RightWrite))
	out, err := m.Invoke(context.Background(), nil, Call{
		Module:  "payroll@1.0.0",
		Name:    "sys.audit.log",
		Payload: json.RawMessage(`{"event":"accrual.posted","detail":"e-1 8h"}`),
	}, 5)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sequence":1}`, string(out))

	recs := trail.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, audit.ActionModuleLog, recs[0].Action)
	assert.Equal(t, "accrual.posted", recs[0].Subject)
	assert.Equal(t, contracts.ModuleID("payroll@1.0.0"), recs[0].Actor)
	assert.Equal(t, audit.ActionSyscall, recs[1].Action)
}

func TestDirHost(t *testing.T) {
	ctx := context.Background()
	h, err := NewDirHost(t.TempDir())
	require.NoError(t, err)

	_, err = h.Invoke(ctx, HostRequest{Syscall: "sys.fs.write", Resource: "reports/q1.csv", Payload: json.RawMessage(`{"data":"a,b"}`)})
	require.NoError(t, err)

	out, err := h.Invoke(ctx, HostRequest{Syscall: "sys.fs.read", Resource: "reports/q1.csv"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"a,b"}`, string(out))

	out, err = h.Invoke(ctx, HostRequest{Syscall: "sys.fs.list", Resource: "reports"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":["q1.csv"]}`, string(out))

	// Traversal is clamped to the root.
	_, err = h.Invoke(ctx, HostRequest{Syscall: "sys.fs.read", Resource: "../../etc/passwd"})
	require.Error(t, err)

	_, err = h.Invoke(ctx, HostRequest{Syscall: "sys.net.fetch", Resource: "x"})
	assert.True(t, errors.Is(err, ErrNotServed))
}

func TestMultiHost(t *testing.T) {
	ctx := context.Background()
	first := FuncHost{"sys.proc.spawn": func(context.Context, HostRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"pid":1}`), nil
	}}
	second := FuncHost{"sys.proc.kill": func(context.Context, HostRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"killed":true}`), nil
	}}
	host := MultiHost{first, second}

	out, err := host.Invoke(ctx, HostRequest{Syscall: "sys.proc.kill"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"killed":true}`, string(out))

	_, err = host.Invoke(ctx, HostRequest{Syscall: "sys.db.read"})
	assert.ErrorIs(t, err, ErrNotServed)
}
