package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docuflow/approval-engine/types"
)

// TestExprEvaluator tests condition evaluation across all operators.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	attrs := map[string]interface{}{
		"priority": "high",
		"amount":   1500,
		"category": "travel",
	}

	tests := []struct {
		name       string
		cond       types.Condition
		attrs      map[string]interface{}
		wantResult bool
		wantErr    bool
	}{
		{
			name:       "eq true",
			cond:       types.Condition{Field: "priority", Operator: types.OpEq, Value: "high"},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "eq false",
			cond:       types.Condition{Field: "priority", Operator: types.OpEq, Value: "low"},
			attrs:      attrs,
			wantResult: false,
		},
		{
			name:       "ne true",
			cond:       types.Condition{Field: "priority", Operator: types.OpNe, Value: "low"},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "gt true",
			cond:       types.Condition{Field: "amount", Operator: types.OpGt, Value: 1000},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "lt false",
			cond:       types.Condition{Field: "amount", Operator: types.OpLt, Value: 1000},
			attrs:      attrs,
			wantResult: false,
		},
		{
			name:       "ge boundary",
			cond:       types.Condition{Field: "amount", Operator: types.OpGe, Value: 1500},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "le boundary",
			cond:       types.Condition{Field: "amount", Operator: types.OpLe, Value: 1500},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "in true",
			cond:       types.Condition{Field: "category", Operator: types.OpIn, Value: []interface{}{"travel", "office"}},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "not_in true",
			cond:       types.Condition{Field: "category", Operator: types.OpNotIn, Value: []interface{}{"legal", "hr"}},
			attrs:      attrs,
			wantResult: true,
		},
		{
			name:       "missing attribute equality is false",
			cond:       types.Condition{Field: "absent", Operator: types.OpEq, Value: "x"},
			attrs:      attrs,
			wantResult: false,
		},
		{
			name:    "unknown operator",
			cond:    types.Condition{Field: "amount", Operator: "between", Value: 1},
			attrs:   attrs,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.cond, tt.attrs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

// TestExprEvaluatorConcurrency verifies the program cache is safe under
// concurrent evaluation of the same operators.
func TestExprEvaluatorConcurrency(t *testing.T) {
	evaluator := NewExprEvaluator()
	cond := types.Condition{Field: "amount", Operator: types.OpGt, Value: 10}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := evaluator.Evaluate(cond, map[string]interface{}{"amount": n})
			assert.NoError(t, err)
			assert.Equal(t, n > 10, result)
		}(i)
	}
	wg.Wait()
}
