// Package policy evaluates CEL expressions: the executor's evaluate steps and
// the compliance monitor's host-supplied access rules both come through here.
package policy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Engine compiles and caches CEL programs. Safe for concurrent use; the
// program cache is keyed by expression text.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEngine declares the evaluation environment. Evaluate steps see `context`
// and `outputs`; access rules see `caller` and `capability`. `timestamp` is
// available to both.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.DynType),
		cel.Variable("outputs", cel.DynType),
		cel.Variable("caller", cel.StringType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Eval runs expr against input and returns the native result value.
func (e *Engine) Eval(expr string, input map[string]any) (any, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return nil, fmt.Errorf("policy: eval: %w", err)
	}
	return toNative(out), nil
}

// EvalBool runs expr and requires a boolean result. Non-boolean results are
// errors, so a malformed rule denies rather than allows.
func (e *Engine) EvalBool(expr string, input map[string]any) (bool, error) {
	v, err := e.Eval(expr, input)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression %q returned %T, want bool", expr, v)
	}
	return b, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// StepInput builds the activation for an evaluate step. Values are deep
// converted first: envelope payloads decode with UseNumber, and a
// json.Number reaching CEL as a bare string breaks arithmetic.
func StepInput(context, outputs map[string]any) map[string]any {
	return map[string]any{
		"context":   celNative(context),
		"outputs":   celNative(outputs),
		"timestamp": time.Now().Unix(),
	}
}

func celNative(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = celNative(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = celNative(item)
		}
		return out
	default:
		return v
	}
}

// AccessInput builds the activation for a compliance access rule.
func AccessInput(caller, capability string) map[string]any {
	return map[string]any{
		"caller":     caller,
		"capability": capability,
		"timestamp":  time.Now().Unix(),
	}
}

func toNative(val ref.Val) any {
	if val == nil || val.Type() == types.NullType {
		return nil
	}
	switch v := val.Value().(type) {
	case []ref.Val:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toNative(item)
		}
		return out
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k.Value())] = toNative(item)
		}
		return out
	default:
		return v
	}
}
