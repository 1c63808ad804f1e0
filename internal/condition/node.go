package condition

import (
	"errors"
	"fmt"
)

// Node is the serialized form of an expression tree. Exactly one field is set.
//
//	and: [ ... ]
//	or: [ ... ]
//	not: { ... }
//	condition: { property, operator, value }
type Node struct {
	And       []Node     `json:"and,omitempty" yaml:"and,omitempty"`
	Or        []Node     `json:"or,omitempty" yaml:"or,omitempty"`
	Not       *Node      `json:"not,omitempty" yaml:"not,omitempty"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Expr converts the node into an evaluable expression.
func (n Node) Expr() (Expr, error) {
	set := 0
	if n.And != nil {
		set++
	}
	if n.Or != nil {
		set++
	}
	if n.Not != nil {
		set++
	}
	if n.Condition != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("rule node must set exactly one of and, or, not, condition (got %d)", set)
	}

	switch {
	case n.Condition != nil:
		return Leaf{Condition: *n.Condition}, nil
	case n.Not != nil:
		inner, err := n.Not.Expr()
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	case n.And != nil:
		children, err := convertAll(n.And)
		if err != nil {
			return nil, fmt.Errorf("and: %w", err)
		}
		return And(children), nil
	default:
		children, err := convertAll(n.Or)
		if err != nil {
			return nil, fmt.Errorf("or: %w", err)
		}
		return Or(children), nil
	}
}

func convertAll(nodes []Node) ([]Expr, error) {
	if len(nodes) == 0 {
		return nil, errors.New("empty group")
	}
	out := make([]Expr, 0, len(nodes))
	for _, node := range nodes {
		e, err := node.Expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
