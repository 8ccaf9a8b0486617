package mapping

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"syncbridge/internal/sync/types"
)

// FilterEvaluator matches incoming events against a mapping's optional CEL
// filter expression. Compiled programs are cached per expression.
type FilterEvaluator struct {
	env        *cel.Env
	prgCache   map[string]cel.Program
	cacheMutex sync.RWMutex
}

// NewFilterEvaluator builds the CEL environment with an 'event' variable.
func NewFilterEvaluator() (*FilterEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("event", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}

	return &FilterEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Matches evaluates the mapping's filter against the event. An empty filter
// matches everything.
func (e *FilterEvaluator) Matches(mp *SyncMapping, event *types.ChangeEvent) (bool, error) {
	if mp.Filter == "" {
		return true, nil
	}

	prg, err := e.getProgram(mp.Filter)
	if err != nil {
		return false, fmt.Errorf("failed to get CEL program: %w", err)
	}

	input := map[string]interface{}{
		"event": map[string]interface{}{
			"origin":    string(event.Origin),
			"entity":    event.EntityType,
			"key":       event.Key,
			"op":        string(event.Op),
			"timestamp": event.Timestamp.Unix(),
			"payload":   event.Payload.Native(),
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL filter must return boolean, got %T", out.Value())
	}

	return match, nil
}

// CheckFilter compiles the expression without running it, for load-time
// validation of mapping files.
func (e *FilterEvaluator) CheckFilter(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := e.getProgram(expr); err != nil {
		return fmt.Errorf("%w: invalid filter expression: %v", types.ErrConfig, err)
	}
	return nil
}

func (e *FilterEvaluator) getProgram(expr string) (cel.Program, error) {
	e.cacheMutex.RLock()
	prg, ok := e.prgCache[expr]
	e.cacheMutex.RUnlock()
	if ok {
		return prg, nil
	}

	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()

	// Double check
	if prg, ok := e.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.prgCache[expr] = prg
	return prg, nil
}
