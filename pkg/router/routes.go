package router

import (
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
)

// ResourceTypeIPC is the capability resource type checked for messages. The
// resource string is the opcode.
const ResourceTypeIPC = "ipc"

// Route is one exported opcode of a module.
type Route struct {
	Opcode string
	// Tenant owns the exporting module. Sender capabilities bound to
	// another tenant do not cover the route.
	Tenant string
	// Right overrides the default right derived from the message type.
	Right capability.Right
	Guard *Guard
}

// RightFor returns the right a sender needs to send typ on this route.
func (r *Route) RightFor(typ contracts.MessageType) capability.Right {
	if r.Right != 0 {
		return r.Right
	}
	if typ == contracts.MessageQuery {
		return capability.RightRead
	}
	return capability.RightWrite
}

type moduleRoutes struct {
	instance contracts.ModuleID
	draining bool
	routes   map[string]*Route
}

// Table maps logical module names to their exported opcodes.
type Table struct {
	env     *cel.Env
	modules map[contracts.ModuleID]*moduleRoutes
}

// NewTable creates an empty route table.
func NewTable() (*Table, error) {
	env, err := newGuardEnv()
	if err != nil {
		return nil, err
	}
	return &Table{env: env, modules: make(map[contracts.ModuleID]*moduleRoutes)}, nil
}

// Register installs the exports of instance, owned by tenant, under its
// logical name, replacing any earlier version. Every guard is compiled
// first, so a bad guard leaves the table unchanged.
func (t *Table) Register(instance contracts.ModuleID, tenant string, exports []manifest.Export) error {
	routes := make(map[string]*Route, len(exports))
	for _, ex := range exports {
		r := &Route{Opcode: ex.Opcode, Tenant: tenant}
		if ex.Right != "" {
			right, err := capability.ParseRight(ex.Right)
			if err != nil {
				return fmt.Errorf("router: %s %s: %w", instance, ex.Opcode, err)
			}
			r.Right = right
		}
		if ex.Guard != "" {
			g, err := compileGuard(t.env, ex.Guard)
			if err != nil {
				return fmt.Errorf("router: %s %s: %w", instance, ex.Opcode, err)
			}
			r.Guard = g
		}
		routes[ex.Opcode] = r
	}
	t.modules[instance.Name()] = &moduleRoutes{instance: instance, routes: routes}
	return nil
}

// MarkDraining makes name refuse new messages until another version is
// registered or the routes are removed.
func (t *Table) MarkDraining(name contracts.ModuleID) {
	if m, ok := t.modules[name.Name()]; ok {
		m.draining = true
	}
}

// Remove drops the routes of instance if it is still the registered
// version of its logical name.
func (t *Table) Remove(instance contracts.ModuleID) {
	if m, ok := t.modules[instance.Name()]; ok && m.instance == instance {
		delete(t.modules, instance.Name())
	}
}

// Instance returns the registered version behind a logical name.
func (t *Table) Instance(name contracts.ModuleID) (contracts.ModuleID, bool) {
	m, ok := t.modules[name.Name()]
	if !ok {
		return "", false
	}
	return m.instance, true
}

// Resolve finds the route for target and opcode.
func (t *Table) Resolve(target contracts.ModuleID, opcode string) (*Route, error) {
	m, ok := t.modules[target]
	if !ok {
		return nil, &contracts.RoutingError{
			Cause:      contracts.RouteNoTarget,
			Target:     target,
			Opcode:     opcode,
			Suggestion: suggest(string(target), t.names()),
		}
	}
	if m.draining {
		return nil, &contracts.RoutingError{Cause: contracts.RouteDraining, Target: target, Opcode: opcode}
	}
	r, ok := m.routes[opcode]
	if !ok {
		opcodes := make([]string, 0, len(m.routes))
		for op := range m.routes {
			opcodes = append(opcodes, op)
		}
		return nil, &contracts.RoutingError{
			Cause:      contracts.RouteUnknownOpcode,
			Target:     target,
			Opcode:     opcode,
			Suggestion: suggest(opcode, opcodes),
		}
	}
	return r, nil
}

func (t *Table) names() []string {
	out := make([]string, 0, len(t.modules))
	for name := range t.modules {
		out = append(out, string(name))
	}
	return out
}

// suggest returns the closest candidate to s, or "" when nothing is close
// enough to be a plausible typo.
func suggest(s string, candidates []string) string {
	sort.Strings(candidates)
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(s, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > len(s)/2+1 {
		return ""
	}
	return best
}
