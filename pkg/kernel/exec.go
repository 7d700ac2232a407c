package kernel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/scheduler"
	"github.com/Mindburn-Labs/esta-kernel/pkg/syscalls"
)

// inlineEnv serves a handler running on the control goroutine. Syscalls
// complete in place and never park.
type inlineEnv struct {
	s        *State
	entry    scheduler.EntryID
	instance contracts.ModuleID
}

func (e *inlineEnv) Module() contracts.ModuleID { return e.instance }

func (e *inlineEnv) Now() contracts.LogicalTime { return e.s.clock.Now() }

func (e *inlineEnv) Syscall(ctx context.Context, name, resource string, payload json.RawMessage) (json.RawMessage, error) {
	p, _, err := e.s.Syscall(ctx, e.entry, name, resource, payload, false)
	if err != nil {
		return nil, err
	}
	return syscalls.Forward(ctx, e.s.host, p)
}

func (e *inlineEnv) Send(ctx context.Context, msg contracts.Message) (router.Ack, error) {
	return e.s.Send(ctx, e.entry, msg)
}

func (e *inlineEnv) Request(context.Context, contracts.Message) (contracts.Message, error) {
	return contracts.Message{}, ErrWouldBlock
}

// Step dispatches one entry and runs its handler on the calling goroutine.
// It reports false when nothing was dispatchable.
func (s *State) Step(ctx context.Context) (bool, error) {
	d, ok := s.Next(ctx)
	if !ok {
		return false, nil
	}
	out, herr := s.Run(ctx, d)
	if _, err := s.Complete(ctx, d.Entry, out, herr); err != nil {
		return true, err
	}
	return true, nil
}

// Run invokes the handler of d on the calling goroutine. Inline handlers
// never park, so a resumed entry has lost its invocation.
func (s *State) Run(ctx context.Context, d *Dispatch) (json.RawMessage, error) {
	if d.Resumed {
		return nil, errLostInvocation
	}
	return invoke(ctx, d, &inlineEnv{s: s, entry: d.Entry, instance: d.Instance})
}

var errLostInvocation = errors.New("kernel: resumed entry has no invocation")

// Drain steps until nothing is dispatchable and returns how many entries
// ran.
func (s *State) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := s.Step(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// invoke runs the handler of d under the module's CPU budget.
func invoke(ctx context.Context, d *Dispatch, env Env) (json.RawMessage, error) {
	hctx := ctx
	if d.Budget > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.Budget)
		defer cancel()
	}
	out, err := safeHandle(hctx, d.Handler, env, d.Message)
	if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		var rl *contracts.ResourceLimitExceeded
		if !errors.As(err, &rl) {
			return nil, &contracts.ResourceLimitExceeded{Module: d.Instance, Resource: "cpu", Limit: d.Budget.String()}
		}
	}
	return out, err
}
