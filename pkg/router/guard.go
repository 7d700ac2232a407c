package router

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// guardCostLimit bounds the work a single guard evaluation may do.
const guardCostLimit = 10_000

// Guard is a compiled CEL predicate over message attributes.
type Guard struct {
	expr string
	prg  cel.Program
}

func newGuardEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("opcode", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("payload_size", cel.IntType),
		cel.Variable("ttl_ms", cel.IntType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("router: guard environment: %w", err)
	}
	return env, nil
}

func compileGuard(env *cel.Env, expr string) (*Guard, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile guard %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("guard %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(guardCostLimit), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program guard %q: %w", expr, err)
	}
	return &Guard{expr: expr, prg: prg}, nil
}

// Allow evaluates the guard against msg. Evaluation errors deny.
func (g *Guard) Allow(msg contracts.Message, now contracts.LogicalTime) (bool, error) {
	out, _, err := g.prg.Eval(map[string]any{
		"source":       string(msg.Source),
		"target":       string(msg.Target),
		"opcode":       msg.Opcode,
		"type":         string(msg.Type),
		"priority":     msg.Metadata.Priority.String(),
		"payload_size": int64(len(msg.Payload)),
		"ttl_ms":       msg.Metadata.TTL.Milliseconds(),
		"now":          int64(now),
	})
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", g.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q: result not bool", g.expr)
	}
	return allowed, nil
}

func (g *Guard) String() string { return g.expr }
