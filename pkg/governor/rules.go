package governor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ruleEvaluator compiles and caches rule condition expressions. The
// whole condition input is exposed as a single "input" map.
type ruleEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newRuleEvaluator() (*ruleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &ruleEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *ruleEvaluator) eval(expression string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.programs[expression]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.programs[expression]; !hit {
			ast, issues := e.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("build condition program: %w", err)
			}
			e.programs[expression] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("eval condition: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not boolean")
	}
	return result, nil
}
