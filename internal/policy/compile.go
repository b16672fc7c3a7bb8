package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the work a single custom rule may do per evaluation.
const celCostLimit = 10_000

// celEnv declares the variables custom rules can reference.
var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("delta", cel.DoubleType),
		cel.Variable("production", cel.BoolType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: build CEL environment: %v", err))
	}
	return env
}

// Compiled is a validated policy with its custom rules compiled to CEL
// programs. It is immutable and safe for concurrent use.
type Compiled struct {
	policy *Policy
	custom []compiledRule
}

// Policy returns a copy of the source policy.
func (c *Compiled) Policy() *Policy {
	return c.policy.Clone()
}

type compiledRule struct {
	name    string
	outcome Decision
	prg     cel.Program
}

func (r compiledRule) eval(in *input) (Decision, string, bool) {
	out, _, err := r.prg.Eval(map[string]any{
		"source":      in.req.Source,
		"environment": in.req.Environment,
		"action":      in.req.Action,
		"resource":    in.req.ResourceReference,
		"delta":       in.delta,
		"production":  in.production,
	})
	if err != nil {
		return DecisionEscalate, fmt.Sprintf("custom rule failed to evaluate: %v", err), true
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return DecisionEscalate, "custom rule returned a non-boolean", true
	}
	if !matched {
		return "", "", false
	}
	return r.outcome, "custom rule matched", true
}

// Compile normalizes and validates p and compiles its custom rules.
func Compile(p *Policy) (*Compiled, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	cp := p.Clone()
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}

	c := &Compiled{policy: cp}
	for _, r := range cp.CustomRules {
		ast, issues := celEnv.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: custom rule %q: %v", ErrInvalidPolicy, r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: custom rule %q must return bool", ErrInvalidPolicy, r.Name)
		}
		prg, err := celEnv.Program(ast, cel.CostLimit(celCostLimit))
		if err != nil {
			return nil, fmt.Errorf("%w: custom rule %q: %v", ErrInvalidPolicy, r.Name, err)
		}
		c.custom = append(c.custom, compiledRule{name: r.Name, outcome: r.Outcome, prg: prg})
	}
	return c, nil
}

// MustCompile is Compile for policies known to be valid.
func MustCompile(p *Policy) *Compiled {
	c, err := Compile(p)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultCompiled = MustCompile(DefaultPolicy("default"))
