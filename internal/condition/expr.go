package condition

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Env carries what an expression needs to evaluate for one subject.
// Known reports whether the property exists anywhere in the data set; a nil
// Known treats every property as known.
type Env struct {
	Resolve Resolver
	Known   func(c Condition) bool
}

// Expr is a boolean expression over conditions: Leaf, And, Or or Not.
type Expr interface {
	// Eval returns the result plus soft warnings. Unknown properties produce a
	// warning and evaluate to false; operator/type mismatches are errors.
	Eval(env Env) (bool, []string, error)
	walk(fn func(Condition) error) error
}

// Leaf wraps a single condition.
type Leaf struct{ Condition Condition }

// And is true when every child is true. All children are evaluated.
type And []Expr

// Or is true when any child is true. All children are evaluated.
type Or []Expr

// Not negates its child.
type Not struct{ Expr Expr }

// UnknownPropertyWarning is the warning attached when a property is unknown.
func UnknownPropertyWarning(property string) string {
	return fmt.Sprintf("unknown property %q", property)
}

func (l Leaf) Eval(env Env) (bool, []string, error) {
	if env.Known != nil && !env.Known(l.Condition) {
		return false, []string{UnknownPropertyWarning(l.Condition.Property)}, nil
	}
	var (
		value   events.Value
		present bool
	)
	if env.Resolve != nil {
		value, present = env.Resolve(l.Condition)
	}
	ok, err := Evaluate(l.Condition, value, present)
	return ok, nil, err
}

func (l Leaf) walk(fn func(Condition) error) error { return fn(l.Condition) }

func (a And) Eval(env Env) (bool, []string, error) {
	return evalAll(a, env, true)
}

func (a And) walk(fn func(Condition) error) error { return walkAll(a, fn) }

func (o Or) Eval(env Env) (bool, []string, error) {
	return evalAll(o, env, false)
}

func (o Or) walk(fn func(Condition) error) error { return walkAll(o, fn) }

func (n Not) Eval(env Env) (bool, []string, error) {
	if n.Expr == nil {
		return false, nil, errors.New("not: missing operand")
	}
	ok, warnings, err := n.Expr.Eval(env)
	return !ok, warnings, err
}

func (n Not) walk(fn func(Condition) error) error {
	if n.Expr == nil {
		return errors.New("not: missing operand")
	}
	return n.Expr.walk(fn)
}

func evalAll(children []Expr, env Env, all bool) (bool, []string, error) {
	if len(children) == 0 {
		return false, nil, errors.New("empty group")
	}
	result := all
	var warnings []string
	for _, child := range children {
		ok, w, err := child.Eval(env)
		if err != nil {
			return false, warnings, err
		}
		warnings = append(warnings, w...)
		if all {
			result = result && ok
		} else {
			result = result || ok
		}
	}
	return result, warnings, nil
}

func walkAll(children []Expr, fn func(Condition) error) error {
	if len(children) == 0 {
		return errors.New("empty group")
	}
	for _, child := range children {
		if child == nil {
			return errors.New("nil expression")
		}
		if err := child.walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Conditions lists the leaves of e in evaluation order.
func Conditions(e Expr) []Condition {
	var out []Condition
	if e == nil {
		return out
	}
	_ = e.walk(func(c Condition) error {
		out = append(out, c)
		return nil
	})
	return out
}

// ValidateExpr checks the tree structure and every leaf.
func ValidateExpr(e Expr) error {
	if e == nil {
		return errors.New("expression is required")
	}
	return e.walk(Validate)
}

// FromFlat builds the left-deep tree equivalent to folding conds left to
// right, joining condition i to i+1 with condition i's logical operator.
// An unset operator joins with and.
func FromFlat(conds []Condition) (Expr, error) {
	if len(conds) == 0 {
		return nil, errors.New("at least one condition is required")
	}
	var expr Expr = Leaf{Condition: conds[0]}
	for i := 1; i < len(conds); i++ {
		next := Leaf{Condition: conds[i]}
		if conds[i-1].Logical == enums.LogicalOr {
			expr = Or{expr, next}
		} else {
			expr = And{expr, next}
		}
	}
	return expr, nil
}

// EvaluateFlat folds conds left to right with flat precedence:
// result = combine(result, eval(conds[i]), conds[i-1].Logical).
func EvaluateFlat(conds []Condition, env Env) (bool, []string, error) {
	if len(conds) == 0 {
		return false, nil, errors.New("at least one condition is required")
	}
	result, warnings, err := Leaf{Condition: conds[0]}.Eval(env)
	if err != nil {
		return false, warnings, err
	}
	for i := 1; i < len(conds); i++ {
		ok, w, err := Leaf{Condition: conds[i]}.Eval(env)
		if err != nil {
			return false, warnings, err
		}
		warnings = append(warnings, w...)
		if conds[i-1].Logical == enums.LogicalOr {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result, warnings, nil
}
