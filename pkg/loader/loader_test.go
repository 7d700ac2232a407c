package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
)

type fixture struct {
	engine *capability.Engine
	routes *router.Table
	trail  *audit.Trail
	loader *Loader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	routes, err := router.NewTable()
	require.NoError(t, err)
	f := &fixture{
		engine: capability.NewEngine([]byte("loader-test-key")),
		routes: routes,
		trail:  audit.NewTrail(0),
	}
	catalog := NewCatalog("acme")
	catalog.Register("db", "ledger.entries", "ledger.balances")
	f.loader = New(f.engine, routes, f.trail, catalog).WithDrainTimeout(time.Second)
	return f
}

func accrual(version string) *manifest.Manifest {
	return &manifest.Manifest{
		Name:    "accrual-engine",
		Version: version,
		Tenant:  "acme",
		Budget:  manifest.Budget{MemoryBytes: 1 << 20, CPUTimeSliceMs: 15},
		Capabilities: []manifest.CapabilityRequest{
			{ResourceType: "ipc", ResourcePattern: "employee.*", Rights: []string{"read"}, Reason: "look up hours"},
			{ResourceType: "db", ResourcePattern: "ledger.*", Rights: []string{"read", "write"}, Reason: "post accruals"},
		},
		Exports: []manifest.Export{{Opcode: "accrual.calculate"}, {Opcode: "accrual.balance", Right: "read"}},
	}
}

func actions(trail *audit.Trail) []audit.Action {
	var out []audit.Action
	for _, r := range trail.Records() {
		out = append(out, r.Action)
	}
	return out
}

func TestLoadAndStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.loader.Load(ctx, accrual("1.0.0"), 10)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModuleID("accrual-engine@1.0.0"), id)

	mod, ok := f.loader.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateReady, mod.State)
	assert.Len(t, mod.Capabilities, 2)
	assert.Equal(t, []string{"accrual.calculate", "accrual.balance"}, mod.Exports)
	assert.Len(t, f.engine.Owned(id), 2)

	_, err = f.routes.Resolve("accrual-engine", "accrual.calculate")
	require.NoError(t, err)

	_, running := f.loader.Resolve("accrual-engine")
	assert.False(t, running, "ready modules are not dispatchable")

	require.NoError(t, f.loader.Start(id))
	got, running := f.loader.Resolve("accrual-engine")
	require.True(t, running)
	assert.Equal(t, id, got)
	require.Error(t, f.loader.Start(id))

	recs := f.trail.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.ActionLoad, recs[0].Action)
	assert.Equal(t, audit.OutcomeOK, recs[0].Outcome)
	assert.Equal(t, "accrual-engine@1.0.0", recs[0].Subject)
}

func TestLoadIsAllOrNothing(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(m *manifest.Manifest)
		reason string
	}{
		{"missing resource", func(m *manifest.Manifest) {
			m.Capabilities[1].ResourcePattern = "payroll.*"
		}, "unsatisfiable-capability"},
		{"unknown type", func(m *manifest.Manifest) {
			m.Capabilities = append(m.Capabilities, manifest.CapabilityRequest{ResourceType: "gpu", ResourcePattern: "*", Rights: []string{"execute"}})
		}, "unsatisfiable-capability"},
		{"foreign tenant", func(m *manifest.Manifest) { m.Tenant = "globex" }, "tenant"},
		{"bad guard", func(m *manifest.Manifest) { m.Exports[0].Guard = "payload_size +" }, "invalid-export"},
		{"bad version", func(m *manifest.Manifest) { m.Version = "v1" }, "invalid-manifest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			m := accrual("1.0.0")
			tc.mutate(m)

			_, err := f.loader.Load(ctx, m, 0)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tc.reason, le.Reason)

			assert.Empty(t, f.engine.Owned(m.ID()))
			assert.Equal(t, 0, f.loader.Len())
			_, err = f.routes.Resolve("accrual-engine", "accrual.calculate")
			assert.Error(t, err)

			recs := f.trail.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, audit.OutcomeDenied, recs[0].Outcome)
			assert.Equal(t, tc.reason, recs[0].Reason)
		})
	}
}

func TestLoadRejectsRunningName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(id))

	_, err = f.loader.Load(ctx, accrual("1.1.0"), 0)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "name-in-use", le.Reason)

	_, err = f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.ErrorAs(t, err, &le)
}

func TestUnloadIdleModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(id))

	var unloaded []contracts.ModuleID
	f.loader.OnUnload(func(m Module) { unloaded = append(unloaded, m.ID) })

	done, err := f.loader.Unload(ctx, id, 5)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []contracts.ModuleID{id}, unloaded)
	assert.Empty(t, f.engine.Owned(id))
	_, ok := f.loader.Get(id)
	assert.False(t, ok)

	var routing *contracts.RoutingError
	_, err = f.routes.Resolve("accrual-engine", "accrual.calculate")
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, contracts.RouteNoTarget, routing.Cause)

	assert.Equal(t, []audit.Action{
		audit.ActionLoad, audit.ActionRevoke, audit.ActionRevoke, audit.ActionUnload,
	}, actions(f.trail))

	_, err = f.loader.Unload(ctx, id, 6)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestUnloadWaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(id))
	require.NoError(t, f.loader.BeginInvocation(id))

	done, err := f.loader.Unload(ctx, id, 5)
	require.NoError(t, err)
	assert.False(t, done)

	mod, _ := f.loader.Get(id)
	assert.Equal(t, StateDraining, mod.State)
	assert.Equal(t, contracts.LogicalTime(1005), mod.DrainDeadline)

	var routing *contracts.RoutingError
	_, err = f.routes.Resolve("accrual-engine", "accrual.calculate")
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, contracts.RouteDraining, routing.Cause)

	assert.True(t, f.loader.EndInvocation(ctx, id, false, 8))
	_, ok := f.loader.Get(id)
	assert.False(t, ok)
}

func TestHotSwap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(old))
	require.NoError(t, f.loader.BeginInvocation(old))
	require.NoError(t, f.loader.BeginInvocation(old))

	next, err := f.loader.HotSwap(ctx, old, accrual("1.1.0"), 20)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModuleID("accrual-engine@1.1.0"), next)

	active, ok := f.loader.Resolve("accrual-engine")
	require.True(t, ok)
	assert.Equal(t, next, active)
	inst, _ := f.routes.Instance("accrual-engine")
	assert.Equal(t, next, inst)
	_, err = f.routes.Resolve("accrual-engine", "accrual.calculate")
	require.NoError(t, err, "new messages route to the new version")

	prev, ok := f.loader.Get(old)
	require.True(t, ok)
	assert.Equal(t, StateDraining, prev.State)
	assert.Len(t, f.engine.Owned(old), 2, "draining version keeps its capabilities")

	assert.False(t, f.loader.EndInvocation(ctx, old, false, 21))
	assert.True(t, f.loader.EndInvocation(ctx, old, true, 22))
	_, ok = f.loader.Get(old)
	assert.False(t, ok)
	assert.Empty(t, f.engine.Owned(old))

	// Removing the old routes must not touch the new version's.
	_, err = f.routes.Resolve("accrual-engine", "accrual.balance")
	require.NoError(t, err)

	assert.Contains(t, actions(f.trail), audit.ActionHotSwap)
}

func TestHotSwapRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(old))

	var le *LoadError
	_, err = f.loader.HotSwap(ctx, old, accrual("1.0.0"), 1)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "same-version", le.Reason)

	other := accrual("2.0.0")
	other.Name = "employee"
	_, err = f.loader.HotSwap(ctx, old, other, 1)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "name-mismatch", le.Reason)

	broken := accrual("2.0.0")
	broken.Capabilities[1].ResourcePattern = "payroll.*"
	_, err = f.loader.HotSwap(ctx, old, broken, 1)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "unsatisfiable-capability", le.Reason)

	// A failed swap leaves the running version untouched.
	active, _ := f.loader.Resolve("accrual-engine")
	assert.Equal(t, old, active)
	mod, _ := f.loader.Get(old)
	assert.Equal(t, StateRunning, mod.State)

	_, err = f.loader.HotSwap(ctx, "ghost@1.0.0", accrual("2.0.0"), 1)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestHotSwapAllowsDowngrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cur, err := f.loader.Load(ctx, accrual("1.2.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(cur))

	prev, err := f.loader.HotSwap(ctx, cur, accrual("1.1.0"), 1)
	require.NoError(t, err)
	active, _ := f.loader.Resolve("accrual-engine")
	assert.Equal(t, prev, active)
}

func TestCatalogIPCIsNotStrict(t *testing.T) {
	c := NewCatalog("acme")
	req := manifest.CapabilityRequest{ResourceType: "ipc", ResourcePattern: "payroll.*", Rights: []string{"write"}}
	require.NoError(t, c.Check(req), "exporters may load later")

	c.Register("ipc", "accrual.calculate")
	require.Error(t, c.Check(req))
	req.ResourcePattern = "accrual.*"
	require.NoError(t, c.Check(req))
}

func TestDrainTimeoutForcesUnload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.NoError(t, f.loader.Start(old))
	require.NoError(t, f.loader.BeginInvocation(old))

	_, err = f.loader.HotSwap(ctx, old, accrual("1.1.0"), 100)
	require.NoError(t, err)

	assert.Empty(t, f.loader.ExpiredDrains(1099))
	expired := f.loader.ExpiredDrains(1100)
	require.Equal(t, []contracts.ModuleID{old}, expired)

	cause := &contracts.ResourceLimitExceeded{Module: old, Resource: "drain", Limit: "1s"}
	require.NoError(t, f.loader.ForceUnload(ctx, old, audit.ActionDrainTimeout, cause, 1100))
	_, ok := f.loader.Get(old)
	assert.False(t, ok)

	var timeout *audit.Record
	for _, r := range f.trail.Records() {
		if r.Action == audit.ActionDrainTimeout {
			timeout = &r
		}
	}
	require.NotNil(t, timeout)
	assert.Equal(t, audit.OutcomeTerminated, timeout.Outcome)
	assert.Equal(t, "resource-limit", timeout.Reason)
	assert.Equal(t, string(old), timeout.Subject)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.loader.Load(ctx, accrual("1.0.0"), 0)
	require.NoError(t, err)
	require.Error(t, f.loader.BeginInvocation(id), "ready modules take no invocations")
	require.NoError(t, f.loader.Start(id))

	require.NoError(t, f.loader.BeginInvocation(id))
	f.loader.RecordSyscall(id)
	f.loader.EndInvocation(ctx, id, true, 1)
	require.NoError(t, f.loader.BeginInvocation(id))
	f.loader.EndInvocation(ctx, id, false, 2)

	mod, _ := f.loader.Get(id)
	assert.Equal(t, Stats{Invocations: 2, Errors: 1, Syscalls: 1}, mod.Stats)
	assert.Equal(t, 0, mod.InFlight)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.loader.Apply(ctx, Change{Kind: ChangeUpsert, Manifest: accrual("1.0.0")}, 0)
	require.NoError(t, err)
	active, _ := f.loader.Resolve("accrual-engine")
	assert.Equal(t, id, active)

	same, err := f.loader.Apply(ctx, Change{Kind: ChangeUpsert, Manifest: accrual("1.0.0")}, 1)
	require.NoError(t, err)
	assert.Equal(t, id, same)

	next, err := f.loader.Apply(ctx, Change{Kind: ChangeUpsert, Manifest: accrual("1.1.0")}, 2)
	require.NoError(t, err)
	active, _ = f.loader.Resolve("accrual-engine")
	assert.Equal(t, next, active)
	assert.Equal(t, 1, f.loader.Len())

	_, err = f.loader.Apply(ctx, Change{Kind: ChangeRemove, Module: next}, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, f.loader.Len())
}

const employeeYAML = `
name: employee
version: 1.0.0
tenant: acme
budget:
  memoryBytes: 65536
  cpuTimeSliceMs: 25
capabilities:
  - resourceType: db
    resourcePattern: "ledger.entries"
    rights: [read]
exports:
  - opcode: employee.create
`

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "employee.yaml"), []byte(employeeYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	ms, err := ScanDir(dir, nil)
	require.Error(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "employee", ms[0].Name)
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	w.WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(dir, "employee.yaml")
	require.NoError(t, os.WriteFile(path, []byte(employeeYAML), 0o600))

	next := func() Change {
		select {
		case c := <-w.Changes():
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("no manifest change reported")
		}
		return Change{}
	}

	c := next()
	require.NoError(t, c.Err)
	assert.Equal(t, ChangeUpsert, c.Kind)
	assert.Equal(t, contracts.ModuleID("employee@1.0.0"), c.Manifest.ID())

	require.NoError(t, os.Remove(path))
	c = next()
	assert.Equal(t, ChangeRemove, c.Kind)
	assert.Equal(t, contracts.ModuleID("employee@1.0.0"), c.Module)
}
