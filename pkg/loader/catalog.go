package loader

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/syscalls"
)

// Catalog describes what a manifest may ask for: the known resource types,
// the tenants this kernel serves, and for strict types the resources that
// actually exist.
type Catalog struct {
	types     map[string]bool
	tenants   map[string]bool
	resources map[string][]string
}

// NewCatalog returns a catalog knowing the IPC and syscall resource types
// and serving tenants. No type is strict until resources are registered.
// IPC opcodes come into existence as exporters load, so a grant may name
// an opcode whose module is not loaded yet; registering ipc resources
// makes the type strict like any other.
func NewCatalog(tenants ...string) *Catalog {
	c := &Catalog{
		types:     make(map[string]bool),
		tenants:   make(map[string]bool),
		resources: make(map[string][]string),
	}
	for _, t := range []string{
		router.ResourceTypeIPC,
		syscalls.ResourceFile,
		syscalls.ResourceNet,
		syscalls.ResourceTime,
		syscalls.ResourceDB,
		syscalls.ResourceAudit,
		syscalls.ResourceProc,
		syscalls.ResourceCrypto,
	} {
		c.types[t] = true
	}
	for _, t := range tenants {
		c.tenants[t] = true
	}
	return c
}

// AddType makes an extra resource type grantable.
func (c *Catalog) AddType(resourceType string) {
	c.types[resourceType] = true
}

// Register records resources that exist for a type. Once a type has
// registered resources, a request for it must match at least one of them.
func (c *Catalog) Register(resourceType string, names ...string) {
	c.types[resourceType] = true
	c.resources[resourceType] = append(c.resources[resourceType], names...)
	sort.Strings(c.resources[resourceType])
}

// Tenants lists the served tenants.
func (c *Catalog) Tenants() []string {
	out := make([]string, 0, len(c.tenants))
	for t := range c.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CheckTenant rejects tenants this kernel does not serve. An empty catalog
// tenant list serves everyone.
func (c *Catalog) CheckTenant(tenant string) error {
	if len(c.tenants) > 0 && !c.tenants[tenant] {
		return fmt.Errorf("tenant %q is not served by this kernel", tenant)
	}
	return nil
}

// Check reports whether req could be granted.
func (c *Catalog) Check(req manifest.CapabilityRequest) error {
	if !c.types[req.ResourceType] {
		return fmt.Errorf("unknown resource type %q", req.ResourceType)
	}
	existing, strict := c.resources[req.ResourceType]
	if !strict {
		return nil
	}
	for _, name := range existing {
		if capability.Match(req.ResourcePattern, name) {
			return nil
		}
	}
	return fmt.Errorf("no %s resource matches %q", req.ResourceType, req.ResourcePattern)
}
