// Package supervisor decides what happens to a module after it crashes.
//
// A Supervisor tracks one child per logical module name. When a child
// crashes it answers with a Decision: restart after a backoff delay, stop
// for good, or escalate because the child keeps crashing inside its
// intensity window. All times are logical; the Supervisor never sleeps.
// Due hands back restarts whose delay has elapsed so the kernel can
// reinstall them on its own control path.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

var (
	ErrAlreadyRegistered = errors.New("child already registered")
	ErrUnknownChild      = errors.New("unknown child")
)

// Strategy says which exits a child is restarted after.
type Strategy string

const (
	// Permanent children are restarted after every crash.
	Permanent Strategy = "permanent"
	// Temporary children are never restarted.
	Temporary Strategy = "temporary"
	// Transient children are restarted only after an abnormal exit.
	Transient Strategy = "transient"
)

// ParseStrategy accepts the config spelling of a strategy. Empty means
// Temporary.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return Temporary, nil
	case Permanent, Temporary, Transient:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown restart strategy %q", s)
}

// Exit reasons a Transient child is not restarted after.
const (
	ReasonNormal   = "normal"
	ReasonShutdown = "shutdown"
)

// Level is how far a crashing child has escalated.
type Level int

const (
	LevelRestartWithState Level = iota + 1
	LevelRestartClean
	LevelReloadModule
	LevelRestartSupervisor
	LevelSystemRestart
)

var levelNames = [...]string{"", "restart-with-state", "restart-clean", "reload-module", "restart-supervisor", "system-restart"}

func (l Level) String() string {
	if l < LevelRestartWithState || l > LevelSystemRestart {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Next is the level above l. LevelSystemRestart is the ceiling.
func (l Level) Next() Level {
	if l >= LevelSystemRestart {
		return LevelSystemRestart
	}
	return l + 1
}

// Policy bounds how often a child is restarted.
type Policy struct {
	Strategy Strategy
	// MaxRestarts within Window before the child escalates.
	MaxRestarts int
	Window      time.Duration
	// BaseDelay doubles with every restart in the window, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy restarts permanently, five times a minute, backing off from
// one second to thirty.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    Permanent,
		MaxRestarts: 5,
		Window:      time.Minute,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Enabled reports whether p restarts anything at all.
func (p Policy) Enabled() bool {
	return p.Strategy == Permanent || p.Strategy == Transient
}

// Delay is the backoff before restart number attempt (1-based) in a window.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << shift
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// State is where a child is in its lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
)

// Kind is what a Decision asks the kernel to do.
type Kind string

const (
	KindRestart  Kind = "restart"
	KindStop     Kind = "stop"
	KindEscalate Kind = "escalate"
)

// Decision answers a crash.
type Decision struct {
	Kind  Kind
	Level Level
	// Attempt is the restart number within the current window.
	Attempt int
	Delay   time.Duration
	// At is the logical time the restart becomes due.
	At contracts.LogicalTime
}

// Restart is a restart whose delay has elapsed.
type Restart struct {
	Name    contracts.ModuleID
	Level   Level
	Attempt int
	At      contracts.LogicalTime
}

// ChildStatus is the reported view of a child.
type ChildStatus struct {
	Name         contracts.ModuleID `json:"name"`
	State        State              `json:"state"`
	Level        string             `json:"level"`
	RestartCount int                `json:"restartCount"`
	TotalCrashes uint64             `json:"totalCrashes"`
	LastError    string             `json:"lastError,omitempty"`
}

type child struct {
	name        contracts.ModuleID
	policy      Policy
	state       State
	level       Level
	restarts    int
	windowStart contracts.LogicalTime
	windowOpen  bool
	crashes     uint64
	lastError   string
	due         *Restart
}

// Supervisor holds the children. It is not safe for concurrent use; the
// kernel calls it from its control path.
type Supervisor struct {
	children map[contracts.ModuleID]*child
	logger   *slog.Logger
}

func New() *Supervisor {
	return &Supervisor{
		children: make(map[contracts.ModuleID]*child),
		logger:   slog.Default().With("component", "supervisor"),
	}
}

func (s *Supervisor) WithLogger(l *slog.Logger) *Supervisor {
	s.logger = l.With("component", "supervisor")
	return s
}

// Register supervises name under p.
func (s *Supervisor) Register(name contracts.ModuleID, p Policy) error {
	name = name.Name()
	if _, ok := s.children[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyRegistered)
	}
	s.children[name] = &child{name: name, policy: p, state: StateStarting, level: LevelRestartWithState}
	s.logger.Debug("child registered", "child", name, "strategy", p.Strategy)
	return nil
}

// Unregister stops supervising name and drops any pending restart.
func (s *Supervisor) Unregister(name contracts.ModuleID) error {
	name = name.Name()
	if _, ok := s.children[name]; !ok {
		return fmt.Errorf("unregister %s: %w", name, ErrUnknownChild)
	}
	delete(s.children, name)
	s.logger.Debug("child unregistered", "child", name)
	return nil
}

// Supervises reports whether name is registered.
func (s *Supervisor) Supervises(name contracts.ModuleID) bool {
	_, ok := s.children[name.Name()]
	return ok
}

// Started marks name as running.
func (s *Supervisor) Started(name contracts.ModuleID) error {
	c, ok := s.children[name.Name()]
	if !ok {
		return fmt.Errorf("started %s: %w", name, ErrUnknownChild)
	}
	c.state = StateRunning
	return nil
}

// Crash records that name exited with reason at now and decides what to do.
func (s *Supervisor) Crash(name contracts.ModuleID, reason string, now contracts.LogicalTime) (Decision, error) {
	c, ok := s.children[name.Name()]
	if !ok {
		return Decision{}, fmt.Errorf("crash %s: %w", name, ErrUnknownChild)
	}
	c.crashes++
	c.lastError = reason
	c.due = nil

	switch c.policy.Strategy {
	case Permanent:
	case Transient:
		if reason == ReasonNormal || reason == ReasonShutdown {
			c.state = StateTerminated
			s.logger.Info("child exited normally", "child", c.name, "reason", reason)
			return Decision{Kind: KindStop, Level: c.level}, nil
		}
	default:
		c.state = StateStopped
		s.logger.Warn("child crashed, not restarted", "child", c.name, "strategy", c.policy.Strategy, "reason", reason)
		return Decision{Kind: KindStop, Level: c.level}, nil
	}

	if c.windowOpen && now.Sub(c.windowStart) > c.policy.Window {
		c.restarts = 0
		c.windowStart = now
		c.level = LevelRestartWithState
	}
	if !c.windowOpen {
		c.windowOpen = true
		c.windowStart = now
	}

	if c.restarts >= c.policy.MaxRestarts {
		c.level = c.level.Next()
		if c.level >= LevelRestartSupervisor {
			c.state = StateStopped
			s.logger.Error("child exceeded restart intensity", "child", c.name, "level", c.level, "crashes", c.crashes)
			return Decision{Kind: KindEscalate, Level: c.level}, nil
		}
		c.restarts = 0
	}

	c.restarts++
	d := Decision{
		Kind:    KindRestart,
		Level:   c.level,
		Attempt: c.restarts,
		Delay:   c.policy.Delay(c.restarts),
	}
	d.At = now.Add(d.Delay)
	c.state = StateRestarting
	c.due = &Restart{Name: c.name, Level: d.Level, Attempt: d.Attempt, At: d.At}
	s.logger.Info("child will restart", "child", c.name, "attempt", d.Attempt, "level", d.Level, "delay", d.Delay, "at", d.At)
	return d, nil
}

// Due returns and clears the restarts due at or before now, earliest first.
func (s *Supervisor) Due(now contracts.LogicalTime) []Restart {
	var out []Restart
	for _, c := range s.children {
		if c.due != nil && c.due.At <= now {
			out = append(out, *c.due)
			c.due = nil
			c.state = StateStarting
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Status lists the children by name.
func (s *Supervisor) Status() []ChildStatus {
	out := make([]ChildStatus, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, ChildStatus{
			Name:         c.name,
			State:        c.state,
			Level:        c.level.String(),
			RestartCount: c.restarts,
			TotalCrashes: c.crashes,
			LastError:    c.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Child returns the status of one child.
func (s *Supervisor) Child(name contracts.ModuleID) (ChildStatus, bool) {
	for _, st := range s.Status() {
		if st.Name == name.Name() {
			return st, true
		}
	}
	return ChildStatus{}, false
}

// ShutdownAll marks every child terminated and cancels pending restarts.
func (s *Supervisor) ShutdownAll() {
	for _, c := range s.children {
		c.state = StateTerminated
		c.due = nil
	}
}
