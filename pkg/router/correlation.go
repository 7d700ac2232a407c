package router

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Correlation is an outstanding Command or Query awaiting its Response.
type Correlation struct {
	RequestID uuid.UUID             `json:"requestId"`
	Requester contracts.ModuleID    `json:"requester"`
	Responder contracts.ModuleID    `json:"responder"`
	Opcode    string                `json:"opcode"`
	OpenedAt  contracts.LogicalTime `json:"openedAt"`
	// Deadline is the request's TTL deadline; zero when it has no TTL.
	Deadline  contracts.LogicalTime `json:"deadline,omitempty"`
	Abandoned bool                  `json:"abandoned"`
}

// Correlations tracks outstanding requests by message ID.
type Correlations struct {
	open      map[uuid.UUID]*Correlation
	retention time.Duration
}

// NewCorrelations creates a tracker. Retention bounds correlations whose
// request carries no TTL; zero keeps them until closed.
func NewCorrelations(retention time.Duration) *Correlations {
	return &Correlations{open: make(map[uuid.UUID]*Correlation), retention: retention}
}

// Open registers req as awaiting a response.
func (c *Correlations) Open(req contracts.Message, now contracts.LogicalTime) *Correlation {
	corr := &Correlation{
		RequestID: req.Metadata.MessageID,
		Requester: req.Source,
		Responder: req.Target,
		Opcode:    req.Opcode,
		OpenedAt:  now,
	}
	if req.Metadata.TTL > 0 {
		corr.Deadline = now.Add(req.Metadata.TTL)
	}
	c.open[corr.RequestID] = corr
	return corr
}

// Close matches resp against an outstanding correlation and removes it. The
// Response must mirror the request: its source is the responder and its
// target the requester.
func (c *Correlations) Close(resp contracts.Message) (*Correlation, error) {
	id := resp.Metadata.CorrelationID
	corr, ok := c.open[id]
	if !ok {
		return nil, &contracts.RoutingError{Cause: contracts.RouteUnknownCorrelation, Target: resp.Target, Opcode: resp.Opcode}
	}
	if corr.Abandoned {
		delete(c.open, id)
		return corr, &contracts.RoutingError{Cause: contracts.RouteCancelled, Target: resp.Target, Opcode: resp.Opcode}
	}
	if resp.Source.Name() != corr.Responder.Name() || resp.Target.Name() != corr.Requester.Name() {
		return nil, &contracts.RoutingError{Cause: contracts.RouteUnknownCorrelation, Target: resp.Target, Opcode: resp.Opcode}
	}
	delete(c.open, id)
	return corr, nil
}

// Abandon marks the request as no longer awaited. Only the requester may
// abandon it. A later Response is dead-lettered.
func (c *Correlations) Abandon(id uuid.UUID, requester contracts.ModuleID) error {
	corr, ok := c.open[id]
	if !ok || corr.Requester.Name() != requester.Name() {
		return &contracts.RoutingError{Cause: contracts.RouteUnknownCorrelation, Target: contracts.KernelModule, Opcode: opCancel}
	}
	corr.Abandoned = true
	return nil
}

// Get returns the correlation for a request ID.
func (c *Correlations) Get(id uuid.UUID) (*Correlation, bool) {
	corr, ok := c.open[id]
	return corr, ok
}

// Pending lists open correlations addressed to responder in request order.
func (c *Correlations) Pending(responder contracts.ModuleID) []*Correlation {
	var out []*Correlation
	for _, corr := range c.open {
		if corr.Responder.Name() == responder.Name() && !corr.Abandoned {
			out = append(out, corr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt != out[j].OpenedAt {
			return out[i].OpenedAt < out[j].OpenedAt
		}
		return out[i].RequestID.String() < out[j].RequestID.String()
	})
	return out
}

// Prune drops stale correlations and returns how many were removed. A
// correlation whose request is still live, queued or running, is kept.
// Otherwise it is stale once the request's TTL deadline has passed, or
// for requests without a TTL once it is older than the retention window.
func (c *Correlations) Prune(now contracts.LogicalTime, live func(request uuid.UUID) bool) int {
	n := 0
	for id, corr := range c.open {
		if live != nil && live(id) {
			continue
		}
		var stale bool
		if corr.Deadline > 0 {
			stale = now >= corr.Deadline
		} else {
			stale = c.retention > 0 && now.Sub(corr.OpenedAt) > c.retention
		}
		if stale {
			delete(c.open, id)
			n++
		}
	}
	return n
}

// Len returns the number of open correlations.
func (c *Correlations) Len() int { return len(c.open) }
