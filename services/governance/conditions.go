package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/upb/civic-gateway/models"
)

// DefaultCostLimit bounds the work a single condition may perform
const DefaultCostLimit uint64 = 10000

// ErrConditionNotBool is returned when a condition does not evaluate to a bool
var ErrConditionNotBool = errors.New("condition result is not a bool")

// ConditionEvaluator evaluates municipal policy conditions written in CEL.
// A condition sees the request as `request` (its JSON shape) and the
// evaluation time as `now`. Any compile or runtime error denies.
type ConditionEvaluator struct {
	env       *cel.Env
	cache     *ProgramCache
	costLimit uint64
}

// NewConditionEvaluator creates an evaluator with the given cost limit
func NewConditionEvaluator(costLimit uint64, cacheSize int) (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}
	return &ConditionEvaluator{
		env:       env,
		cache:     NewProgramCache(cacheSize),
		costLimit: costLimit,
	}, nil
}

// Check compiles expr without evaluating it
func (e *ConditionEvaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate reports whether the condition holds for req at now
func (e *ConditionEvaluator) Evaluate(ctx context.Context, expr string, req *models.ActionRequest, now time.Time) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	input, err := requestInput(req)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"request": input,
		"now":     now,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, ErrConditionNotBool
	}
	return val, nil
}

// Stats exposes program cache statistics
func (e *ConditionEvaluator) Stats() CacheStats {
	return e.cache.Stats()
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expr); ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: %w", ErrConditionNotBool)
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(e.costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache.Put(expr, prg)
	return prg, nil
}

// requestInput converts the request to the JSON-shaped map conditions see
func requestInput(req *models.ActionRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode condition input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode condition input: %w", err)
	}
	return input, nil
}
