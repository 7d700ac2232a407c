// Package limiter enforces per-module submission rates. Buckets refill on
// the kernel's logical clock, so a replay sees the same decisions.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Policy bounds how fast a module may submit.
type Policy struct {
	PerSecond float64
	Burst     int
}

// Unlimited reports whether the policy imposes no bound.
func (p Policy) Unlimited() bool { return p.PerSecond <= 0 }

// Store decides whether one more submission from key is allowed at now.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, now contracts.LogicalTime) (bool, error)
}

// Check returns ResourceLimitExceeded when module is over its rate. A nil
// store or an unlimited policy always passes.
func Check(ctx context.Context, store Store, module contracts.ModuleID, policy Policy, now contracts.LogicalTime) error {
	if store == nil || policy.Unlimited() {
		return nil
	}
	ok, err := store.Allow(ctx, string(module), policy, now)
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if !ok {
		return &contracts.ResourceLimitExceeded{
			Module:   module,
			Resource: "ipc.submit",
			Limit:    fmt.Sprintf("%g/s burst %d", policy.PerSecond, policy.Burst),
		}
	}
	return nil
}

// MemoryStore keeps one token bucket per key in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, now contracts.LogicalTime) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.buckets[key]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(policy.PerSecond), burst)
		// Start full at the first observed instant.
		lim.SetBurstAt(logicalInstant(now), burst)
		s.buckets[key] = lim
	}
	return lim.AllowN(logicalInstant(now), 1), nil
}

// logicalInstant maps logical milliseconds onto a time.Time for x/time/rate.
func logicalInstant(t contracts.LogicalTime) time.Time {
	return time.UnixMilli(int64(t))
}
