package tablepolicy

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

func newPredicateEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

func compilePredicate(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid fallback_predicate: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("fallback_predicate must evaluate to bool")
	}
	return env.Program(ast)
}

func evalPredicate(prg cel.Program, attrs map[string]string) (bool, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{"ctx": attrs})
	if err != nil {
		return false, err
	}
	return out == types.True, nil
}
