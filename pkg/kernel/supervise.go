package kernel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/supervisor"
)

// supervised is what the kernel needs to bring a crashed module back.
type supervised struct {
	manifest *manifest.Manifest
	handler  Handler
	factory  HandlerFactory
}

// watch puts the instance serving m under supervision, replacing whatever
// was recorded for its name.
func (s *State) watch(m *manifest.Manifest, h Handler, factory HandlerFactory) {
	if !s.policy.Enabled() {
		return
	}
	name := m.Logical()
	if s.sup.Supervises(name) {
		_ = s.sup.Unregister(name)
	}
	if err := s.sup.Register(name, s.policy); err != nil {
		s.logger.Warn("supervise module", "module", m.ID(), "error", err)
		return
	}
	_ = s.sup.Started(name)
	s.children[name] = &supervised{manifest: m, handler: h, factory: factory}
}

// rebind follows a hot-swap without resetting restart intensity.
func (s *State) rebind(m *manifest.Manifest, h Handler) {
	if c, ok := s.children[m.Logical()]; ok {
		c.manifest = m
		c.handler = h
	}
}

// unwatch ends supervision when id is the supervised instance of its name.
func (s *State) unwatch(id contracts.ModuleID) {
	name := id.Name()
	if c, ok := s.children[name]; !ok || c.manifest.ID() != id {
		return
	}
	delete(s.children, name)
	_ = s.sup.Unregister(name)
}

// crash terminates id after a fatal invocation and lets the supervisor
// decide whether it comes back.
func (s *State) crash(ctx context.Context, id contracts.ModuleID, action audit.Action, cause error) {
	c, ok := s.children[id.Name()]
	if !ok || c.manifest.ID() != id {
		if err := s.terminate(ctx, id, action, cause); err != nil {
			s.logger.ErrorContext(ctx, "terminate module", "module", id, "error", err)
		}
		return
	}
	d, err := s.sup.Crash(id, contracts.ReasonOf(cause), s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "supervise crash", "module", id, "error", err)
	}
	if d.Kind == supervisor.KindRestart && (d.Level == supervisor.LevelRestartWithState || c.factory == nil) {
		s.retained[id] = true
	}
	if err := s.terminate(ctx, id, action, cause); err != nil {
		s.logger.ErrorContext(ctx, "terminate module", "module", id, "error", err)
	}

	switch d.Kind {
	case supervisor.KindRestart:
		if !s.retained[id] {
			c.handler = nil
		}
		delete(s.retained, id)
	case supervisor.KindEscalate:
		delete(s.children, id.Name())
		s.append(ctx, audit.Entry{
			Timestamp: s.clock.Now(),
			Actor:     contracts.KernelModule,
			Action:    audit.ActionEscalate,
			Subject:   string(id),
			Outcome:   audit.OutcomeTerminated,
			Reason:    d.Level.String(),
		})
		s.logger.ErrorContext(ctx, "module escalated", "module", id, "level", d.Level)
	default:
		delete(s.children, id.Name())
	}
}

// restart reinstalls a supervised module whose backoff has elapsed. A
// module reinstalled by an operator in the meantime is left alone.
func (s *State) restart(ctx context.Context, r supervisor.Restart) (contracts.ModuleID, error) {
	c, ok := s.children[r.Name]
	if !ok {
		return "", fmt.Errorf("restart %s: %w", r.Name, supervisor.ErrUnknownChild)
	}
	if cur, ok := s.loader.Resolve(r.Name); ok {
		return cur, nil
	}
	now := s.clock.Now()
	id, err := s.reinstall(ctx, c)
	if err != nil {
		s.recordRestart(ctx, c.manifest.ID(), r, audit.OutcomeFailed)
		s.logger.ErrorContext(ctx, "restart module", "module", c.manifest.ID(), "attempt", r.Attempt, "error", err)
		if d, cerr := s.sup.Crash(r.Name, contracts.ReasonOf(err), now); cerr == nil && d.Kind != supervisor.KindRestart {
			delete(s.children, r.Name)
		}
		return "", err
	}
	_ = s.sup.Started(r.Name)
	s.recordRestart(ctx, id, r, audit.OutcomeOK)
	s.logger.InfoContext(ctx, "module restarted", "module", id, "attempt", r.Attempt, "level", r.Level)
	return id, nil
}

func (s *State) reinstall(ctx context.Context, c *supervised) (contracts.ModuleID, error) {
	if c.handler == nil {
		if c.factory == nil {
			return "", fmt.Errorf("restart %s: no handler", c.manifest.ID())
		}
		h, err := c.factory(ctx, c.manifest)
		if err != nil {
			return "", err
		}
		c.handler = h
	}
	id, err := s.loader.Load(ctx, c.manifest, s.clock.Now())
	if err != nil {
		return "", err
	}
	if err := s.loader.Start(id); err != nil {
		return "", err
	}
	s.handlers[id] = c.handler
	return id, nil
}

func (s *State) recordRestart(ctx context.Context, id contracts.ModuleID, r supervisor.Restart, outcome audit.Outcome) {
	s.append(ctx, audit.Entry{
		Timestamp: s.clock.Now(),
		Actor:     contracts.KernelModule,
		Action:    audit.ActionRestart,
		Subject:   string(id),
		Outcome:   outcome,
		Reason:    fmt.Sprintf("%s attempt %d", r.Level, r.Attempt),
	})
}
