package capability

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Unlimited is the use count given to grants that declare no bound.
const Unlimited = math.MaxInt32

// DelegateRequest attenuates an existing capability for another holder.
type DelegateRequest struct {
	Parent      ID
	From        contracts.ModuleID
	To          contracts.ModuleID
	Rights      Rights
	Pattern     string // empty keeps the parent's pattern
	MaxUseCount int    // zero takes the parent's remaining uses
	ExpiresAt   *contracts.LogicalTime
}

// Engine owns the capability table. Every check-and-consume runs under one
// lock, so two callers can never both spend the last use of a capability.
type Engine struct {
	mu       sync.Mutex
	minter   *minter
	caps     map[ID]*Capability
	byOwner  map[contracts.ModuleID][]ID
	children map[ID][]ID
	logger   *slog.Logger
}

// NewEngine creates an engine whose tokens are authenticated with key.
func NewEngine(key []byte) *Engine {
	return &Engine{
		minter:   newMinter(key),
		caps:     make(map[ID]*Capability),
		byOwner:  make(map[contracts.ModuleID][]ID),
		children: make(map[ID][]ID),
		logger:   slog.Default().With("component", "capability"),
	}
}

// WithLogger replaces the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l.With("component", "capability")
	return e
}

// Issue mints one capability per grant for holder. Either every grant is
// issued or none is.
func (e *Engine) Issue(holder contracts.ModuleID, grants []Grant) ([]Capability, error) {
	if holder == "" {
		return nil, fmt.Errorf("capability: empty holder")
	}
	for i, g := range grants {
		if err := checkGrant(g); err != nil {
			return nil, fmt.Errorf("capability: grant %d: %w", i, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Capability, 0, len(grants))
	for _, g := range grants {
		c := &Capability{
			ID:       e.minter.mint(),
			Resource: g.Resource,
			Rights:   g.Rights,
			Validity: Validity{ExpiresAt: copyTime(g.ExpiresAt), MaxUseCount: g.MaxUseCount},
			Owner:    holder,
			Reason:   g.Reason,
		}
		e.caps[c.ID] = c
		e.byOwner[holder] = append(e.byOwner[holder], c.ID)
		out = append(out, c.snapshot())
	}
	e.logger.Debug("capabilities issued", "holder", holder, "count", len(out))
	return out, nil
}

func checkGrant(g Grant) error {
	if g.Resource.Type == "" {
		return fmt.Errorf("empty resource type")
	}
	if err := ValidatePattern(g.Resource.Pattern); err != nil {
		return err
	}
	if g.Rights == 0 {
		return fmt.Errorf("no rights requested for %s:%s", g.Resource.Type, g.Resource.Pattern)
	}
	if g.MaxUseCount <= 0 {
		return fmt.Errorf("max use count must be positive, got %d", g.MaxUseCount)
	}
	return nil
}

// Validate checks id against a request without consuming a use. Checks run
// in a fixed order: existence, revocation, expiry, exhaustion, resource,
// right.
func (e *Engine) Validate(id ID, resourceType, resource string, right Right, now contracts.LogicalTime) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if denied := e.check(id, resourceType, resource, right, now); denied != nil {
		return denied
	}
	return nil
}

// Consume validates id and spends one use atomically.
func (e *Engine) Consume(id ID, resourceType, resource string, right Right, now contracts.LogicalTime) (Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if denied := e.check(id, resourceType, resource, right, now); denied != nil {
		return Capability{}, denied
	}
	c := e.caps[id]
	c.Validity.UseCount++
	return c.snapshot(), nil
}

func (e *Engine) check(id ID, resourceType, resource string, right Right, now contracts.LogicalTime) *contracts.CapabilityDenied {
	c, ok := e.caps[id]
	if !ok || !e.minter.verify(id) {
		return &contracts.CapabilityDenied{CapabilityID: string(id), Cause: contracts.DenyNotFound}
	}
	return c.deny(resourceType, resource, right, now)
}

func (c *Capability) deny(resourceType, resource string, right Right, now contracts.LogicalTime) *contracts.CapabilityDenied {
	cause := c.unusable(now)
	switch {
	case cause != "":
	case !c.covers(resourceType, resource):
		cause = contracts.DenyPatternMismatch
	case !c.Rights.Has(right):
		cause = contracts.DenyMissingRight
	default:
		return nil
	}
	return &contracts.CapabilityDenied{CapabilityID: string(c.ID), Cause: cause}
}

// unusable reports why c cannot be used at all at now, regardless of the
// request.
func (c *Capability) unusable(now contracts.LogicalTime) contracts.DenyReason {
	switch {
	case c.Revoked:
		return contracts.DenyRevoked
	case c.Validity.Expired(now):
		return contracts.DenyExpired
	case c.Validity.Exhausted():
		return contracts.DenyExhausted
	}
	return ""
}

func (c *Capability) covers(resourceType, resource string) bool {
	if resourceType != "" && c.Resource.Type != resourceType {
		return false
	}
	return Match(c.Resource.Pattern, resource)
}

func (c *Capability) servesTenant(tenant string) bool {
	return tenant == "" || c.Resource.TenantID == "" || c.Resource.TenantID == tenant
}

// Authorize finds the first capability of holder, in issue order, that
// permits right on resource and consumes one use of it. When none does, the
// denial comes from the first capability whose resource matched, or is a
// pattern mismatch when nothing matched.
func (e *Engine) Authorize(holder contracts.ModuleID, resourceType, resource string, right Right, now contracts.LogicalTime) (Capability, error) {
	return e.AuthorizeIn(holder, "", resourceType, resource, right, now)
}

// AuthorizeIn is Authorize for a resource owned by tenant. A capability
// bound to a tenant covers only that tenant's resources. An empty tenant
// places no constraint.
func (e *Engine) AuthorizeIn(holder contracts.ModuleID, tenant, resourceType, resource string, right Right, now contracts.LogicalTime) (Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first *contracts.CapabilityDenied
	held := false
	for _, id := range e.byOwner[holder] {
		c := e.caps[id]
		held = true
		if !c.covers(resourceType, resource) || !c.servesTenant(tenant) {
			continue
		}
		denied := c.deny(resourceType, resource, right, now)
		if denied == nil {
			c.Validity.UseCount++
			return c.snapshot(), nil
		}
		if first == nil {
			first = denied
		}
	}
	if first != nil {
		return Capability{}, first
	}
	if !held {
		return Capability{}, &contracts.CapabilityDenied{Cause: contracts.DenyNotFound}
	}
	return Capability{}, &contracts.CapabilityDenied{Cause: contracts.DenyPatternMismatch}
}

// Delegate derives a child capability. The child can never exceed its
// parent: rights are a subset, the pattern is narrower, uses and expiry are
// clamped to what the parent has left.
func (e *Engine) Delegate(req DelegateRequest, now contracts.LogicalTime) (Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	parent, ok := e.caps[req.Parent]
	if !ok || !e.minter.verify(req.Parent) || parent.Owner != req.From {
		return Capability{}, &contracts.CapabilityDenied{CapabilityID: string(req.Parent), Cause: contracts.DenyNotFound}
	}
	if cause := parent.unusable(now); cause != "" {
		return Capability{}, &contracts.CapabilityDenied{CapabilityID: string(parent.ID), Cause: cause}
	}
	if !parent.Rights.Has(RightDelegate) {
		return Capability{}, &contracts.CapabilityDenied{CapabilityID: string(parent.ID), Cause: contracts.DenyMissingRight}
	}
	if req.Rights == 0 || !parent.Rights.Covers(req.Rights) {
		return Capability{}, &contracts.CapabilityDenied{CapabilityID: string(parent.ID), Cause: contracts.DenyMissingRight}
	}
	pattern := req.Pattern
	if pattern == "" {
		pattern = parent.Resource.Pattern
	}
	if err := ValidatePattern(pattern); err != nil {
		return Capability{}, fmt.Errorf("capability: delegate: %w", err)
	}
	if !Narrower(pattern, parent.Resource.Pattern) {
		return Capability{}, &contracts.CapabilityDenied{CapabilityID: string(parent.ID), Cause: contracts.DenyPatternMismatch}
	}

	uses := parent.Validity.Remaining()
	if req.MaxUseCount > 0 && req.MaxUseCount < uses {
		uses = req.MaxUseCount
	}
	expires := copyTime(parent.Validity.ExpiresAt)
	if req.ExpiresAt != nil && (expires == nil || *req.ExpiresAt < *expires) {
		expires = copyTime(req.ExpiresAt)
	}

	child := &Capability{
		ID: e.minter.mint(),
		Resource: Resource{
			Type:     parent.Resource.Type,
			Pattern:  pattern,
			TenantID: parent.Resource.TenantID,
		},
		Rights:   req.Rights,
		Validity: Validity{ExpiresAt: expires, MaxUseCount: uses},
		Owner:    req.To,
		Parent:   parent.ID,
		Reason:   fmt.Sprintf("delegated from %s", parent.ID),
	}
	e.caps[child.ID] = child
	e.byOwner[req.To] = append(e.byOwner[req.To], child.ID)
	e.children[parent.ID] = append(e.children[parent.ID], child.ID)
	e.logger.Debug("capability delegated", "parent", parent.ID, "child", child.ID, "to", req.To)
	return child.snapshot(), nil
}

// Revoke invalidates id and every capability delegated from it, returning
// the IDs that changed state in revocation order.
func (e *Engine) Revoke(id ID) ([]ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.caps[id]; !ok {
		return nil, &contracts.CapabilityDenied{CapabilityID: string(id), Cause: contracts.DenyNotFound}
	}
	return e.revokeLocked(id, nil), nil
}

func (e *Engine) revokeLocked(id ID, out []ID) []ID {
	c := e.caps[id]
	if !c.Revoked {
		c.Revoked = true
		out = append(out, id)
	}
	for _, child := range e.children[id] {
		out = e.revokeLocked(child, out)
	}
	return out
}

// RevokeHolder revokes every capability held by holder, cascading to
// anything they delegated.
func (e *Engine) RevokeHolder(holder contracts.ModuleID) []ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ID
	for _, id := range e.byOwner[holder] {
		out = e.revokeLocked(id, out)
	}
	return out
}

// Get returns a snapshot of id.
func (e *Engine) Get(id ID) (Capability, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caps[id]
	if !ok {
		return Capability{}, false
	}
	return c.snapshot(), true
}

// Owned lists the unrevoked capabilities of holder in issue order.
func (e *Engine) Owned(holder contracts.ModuleID) []Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Capability
	for _, id := range e.byOwner[holder] {
		if c := e.caps[id]; !c.Revoked {
			out = append(out, c.snapshot())
		}
	}
	return out
}

// Stats counts the table at now.
func (e *Engine) Stats(now contracts.LogicalTime) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	for _, c := range e.caps {
		s.Total++
		switch {
		case c.Revoked:
			s.Revoked++
		case c.Validity.Expired(now):
			s.Expired++
		default:
			s.Active++
		}
	}
	return s
}

func (c *Capability) snapshot() Capability {
	out := *c
	out.Validity.ExpiresAt = copyTime(c.Validity.ExpiresAt)
	return out
}

func copyTime(t *contracts.LogicalTime) *contracts.LogicalTime {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
