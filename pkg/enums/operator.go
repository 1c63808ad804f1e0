package enums

import "fmt"

// Operator is a comparison applied by a segment or funnel condition.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorBetween     Operator = "between"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

var validOperators = []Operator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorContains,
	OperatorBetween,
	OperatorIn,
	OperatorNotIn,
}

// String implements fmt.Stringer.
func (v Operator) String() string {
	return string(v)
}

// IsValid reports whether the value is a known Operator.
func (v Operator) IsValid() bool {
	for _, candidate := range validOperators {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseConditionOperator converts raw input into a Operator.
func ParseConditionOperator(value string) (Operator, error) {
	for _, candidate := range validOperators {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid operator %q", value)
}

// NegatesMissing reports whether a missing property satisfies the operator.
func (v Operator) NegatesMissing() bool {
	return v == OperatorNotEquals || v == OperatorNotIn
}
