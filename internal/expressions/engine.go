package expressions

import "context"

// Engine evaluates expressions against message or step data.
// Three implementations: CEL (message filters), GoJQ (transforms),
// Expr (step logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
