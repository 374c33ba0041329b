package permissions

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates a grant's optional `conditions` CEL
// boolean expression (spec §3 "Permission grant": "conditions?") over
// the incoming message's descriptor fields. Grounded on
// pkg/kernel/celdp.CELDPEvaluator's env/compile/program/eval shape, with
// a single "descriptor" variable bound to the descriptor fields rather
// than a generic decision-point payload.
type ConditionEvaluator struct {
	env *cel.Env
}

func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("descriptor", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("permissions: building CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env}, nil
}

// Evaluate compiles and runs expr with descriptor bound to the incoming
// message's descriptor fields, requiring a boolean result.
func (e *ConditionEvaluator) Evaluate(expr string, descriptor map[string]interface{}) (bool, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("permissions: compile conditions: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("permissions: build CEL program: %w", err)
	}

	val, _, err := prg.Eval(map[string]interface{}{"descriptor": descriptor})
	if err != nil {
		return false, fmt.Errorf("permissions: evaluate conditions: %w", err)
	}

	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("permissions: conditions expression did not evaluate to a boolean")
	}
	return b, nil
}
