package expressions

import (
	"context"

	"github.com/weft-labs/weft/pkg/schema"
)

// Engine evaluates inline script expressions against an execution's
// variable context. Three implementations: Expr (logic), CEL (guards),
// GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// Registry holds one engine per script language.
type Registry struct {
	engines map[schema.ScriptLanguage]Engine
}

// NewRegistry builds a registry with all supported engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{
		engines: map[schema.ScriptLanguage]Engine{
			schema.ScriptExpr: NewExprEngine(),
			schema.ScriptCEL:  celEngine,
			schema.ScriptJQ:   NewGoJQEngine(),
		},
	}, nil
}

// Engine returns the engine for a language. An empty language selects
// expr.
func (r *Registry) Engine(lang schema.ScriptLanguage) (Engine, error) {
	if lang == "" {
		lang = schema.ScriptExpr
	}
	e, ok := r.engines[lang]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported script language %q", lang)
	}
	return e, nil
}
