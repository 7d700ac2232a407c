// Package capability implements the kernel's capability engine: unforgeable
// tokens that authorize a holder to perform rights on a resource pattern.
package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Right is a single permission bit.
type Right uint8

const (
	RightRead Right = 1 << iota
	RightWrite
	RightExecute
	RightCreate
	RightList
	RightDelete
	RightDelegate
	RightRevoke
)

var rightOrder = []struct {
	r    Right
	name string
}{
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightCreate, "create"},
	{RightList, "list"},
	{RightDelete, "delete"},
	{RightDelegate, "delegate"},
	{RightRevoke, "revoke"},
}

func (r Right) String() string {
	for _, e := range rightOrder {
		if e.r == r {
			return e.name
		}
	}
	return fmt.Sprintf("right(%d)", uint8(r))
}

// ParseRight parses a single right name.
func ParseRight(s string) (Right, error) {
	for _, e := range rightOrder {
		if e.name == s {
			return e.r, nil
		}
	}
	return 0, fmt.Errorf("unknown right %q", s)
}

// Rights is a set of rights.
type Rights uint8

// NewRights builds a set from individual rights.
func NewRights(rs ...Right) Rights {
	var out Rights
	for _, r := range rs {
		out |= Rights(r)
	}
	return out
}

// ParseRights parses a list of right names.
func ParseRights(names []string) (Rights, error) {
	var out Rights
	for _, n := range names {
		r, err := ParseRight(n)
		if err != nil {
			return 0, err
		}
		out |= Rights(r)
	}
	return out, nil
}

func (s Rights) Has(r Right) bool { return s&Rights(r) != 0 }

// Covers reports whether every right in other is also in s.
func (s Rights) Covers(other Rights) bool { return s&other == other }

// Names lists the rights in canonical order.
func (s Rights) Names() []string {
	var out []string
	for _, e := range rightOrder {
		if s.Has(e.r) {
			out = append(out, e.name)
		}
	}
	return out
}

func (s Rights) String() string { return strings.Join(s.Names(), ",") }

// MarshalJSON renders the set as an object of booleans, one per right.
func (s Rights) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, len(rightOrder))
	for _, e := range rightOrder {
		m[e.name] = s.Has(e.r)
	}
	return json.Marshal(m)
}

func (s *Rights) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Rights
	for name, on := range m {
		r, err := ParseRight(name)
		if err != nil {
			return err
		}
		if on {
			out |= Rights(r)
		}
	}
	*s = out
	return nil
}

// Resource scopes a capability.
type Resource struct {
	Type     string `json:"resourceType"`
	Pattern  string `json:"resourcePattern"`
	TenantID string `json:"tenantId"`
}

// Validity bounds a capability in time and use.
type Validity struct {
	ExpiresAt   *contracts.LogicalTime `json:"expiresAt,omitempty"`
	MaxUseCount int                    `json:"maxUseCount"`
	UseCount    int                    `json:"useCount"`
}

// Expired reports whether the capability is past its expiry at now.
func (v Validity) Expired(now contracts.LogicalTime) bool {
	return v.ExpiresAt != nil && now >= *v.ExpiresAt
}

// Exhausted reports whether all uses have been consumed.
func (v Validity) Exhausted() bool { return v.UseCount >= v.MaxUseCount }

// Remaining returns the uses left.
func (v Validity) Remaining() int {
	if v.Exhausted() {
		return 0
	}
	return v.MaxUseCount - v.UseCount
}

// ID is an opaque capability token.
type ID string

// Capability is a snapshot of a token held by a module. Owner and lineage
// are kernel-private and never serialized.
type Capability struct {
	ID       ID       `json:"id"`
	Resource Resource `json:"resource"`
	Rights   Rights   `json:"rights"`
	Validity Validity `json:"validity"`

	Owner   contracts.ModuleID `json:"-"`
	Parent  ID                 `json:"-"`
	Revoked bool               `json:"-"`
	Reason  string             `json:"-"`
}

// Grant describes a capability to issue.
type Grant struct {
	Resource    Resource
	Rights      Rights
	MaxUseCount int
	ExpiresAt   *contracts.LogicalTime
	Reason      string
}

// Stats summarizes the engine table.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}
