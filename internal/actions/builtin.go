package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avandra/agora/internal/expressions"
	"github.com/avandra/agora/pkg/schema"
)

// RegisterBuiltins registers every built-in action in the registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Action{
		&noopAction{},
		&sleepAction{},
		&failAction{},
		&jqAction{engine: expressions.NewGoJQEngine()},
		&exprEvalAction{engine: expressions.NewExprEngine()},
		NewHTTPRequestAction(httpCfg),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing and succeed. Echoes its parameters."}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data, err := json.Marshal(map[string]any{"params": input.Params})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "noop: marshal output: %v", err)
	}
	return &ActionOutput{Data: data}, nil
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Sleep for 'duration' (Go duration string or seconds number), honoring cancellation.",
	}
}

func (a *sleepAction) Validate(params map[string]any) error {
	if _, err := sleepDuration(params); err != nil {
		return err
	}
	return nil
}

func (a *sleepAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	d, err := sleepDuration(input.Params)
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "sleep interrupted").WithCause(ctx.Err())
	}
	data, _ := json.Marshal(map[string]any{"slept_ms": d.Milliseconds()})
	return &ActionOutput{Data: data}, nil
}

func sleepDuration(params map[string]any) (time.Duration, error) {
	v, ok := params["duration"]
	if !ok {
		return 0, schema.NewError(schema.ErrCodeValidation, "sleep requires 'duration' parameter")
	}
	switch d := v.(type) {
	case string:
		dur, err := time.ParseDuration(d)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", d)
		}
		return dur, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: duration must be string or number, got %T", v)
	}
}

// --- fail ---

// failAction always fails. Used to exercise retry and failure strategies.
type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail with the given 'message'. Useful for testing failure handling."}
}

func (a *failAction) Validate(map[string]any) error { return nil }

func (a *failAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	msg := stringParam(input.Params, "message", "deliberate failure")
	return nil, schema.NewError(schema.ErrCodeExecution, msg)
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Transform data with a jq 'expression'. Input is 'data' merged with the step scope.",
	}
}

func (a *jqAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'expression' parameter")
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	scope := make(map[string]any, len(input.Scope)+1)
	for k, v := range input.Scope {
		scope[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: marshal output: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr 'expression' against the step scope or explicit 'data'.",
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	scope := make(map[string]any, len(input.Scope)+1)
	for k, v := range input.Scope {
		scope[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expr.eval: marshal output: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}
