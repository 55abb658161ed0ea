package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/docuflow/approval-engine/types"
)

// Evaluator decides whether a conditional step applies to a document,
// given the document's attribute snapshot at materialization time.
type Evaluator interface {
	Evaluate(cond types.Condition, attrs map[string]interface{}) (bool, error)
}

// exprSources maps each condition operator to its expression form. The
// document attributes and the comparison value are supplied via the
// environment, so one compiled program per operator serves every condition.
var exprSources = map[string]string{
	types.OpEq:    `doc[field] == value`,
	types.OpNe:    `doc[field] != value`,
	types.OpGt:    `doc[field] > value`,
	types.OpLt:    `doc[field] < value`,
	types.OpGe:    `doc[field] >= value`,
	types.OpLe:    `doc[field] <= value`,
	types.OpIn:    `doc[field] in value`,
	types.OpNotIn: `!(doc[field] in value)`,
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr,
// with compiled programs cached per operator.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate evaluates the condition against the document attributes.
// An unknown operator or a non-boolean result is an error; a missing
// attribute compares as nil, so equality checks are false and ordering
// checks fail with an error.
func (e *ExprEvaluator) Evaluate(cond types.Condition, attrs map[string]interface{}) (bool, error) {
	source, ok := exprSources[cond.Operator]
	if !ok {
		return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}

	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[cond.Operator]
	e.mu.RUnlock()

	if !ok {
		// Compile with write lock
		e.mu.Lock()
		if program, ok = e.cache[cond.Operator]; !ok {
			var err error
			program, err = expr.Compile(source, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[cond.Operator] = program
		}
		e.mu.Unlock()
	}

	env := map[string]interface{}{
		"doc":   attrs,
		"field": cond.Field,
		"value": cond.Value,
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition on %q: %w", cond.Field, err)
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("condition on %q did not evaluate to a boolean, got %T", cond.Field, result)
}
