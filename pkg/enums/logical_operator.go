package enums

import "fmt"

// LogicalOperator joins a condition to the one that follows it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

var validLogicalOperators = []LogicalOperator{
	LogicalAnd,
	LogicalOr,
}

// String implements fmt.Stringer.
func (v LogicalOperator) String() string {
	return string(v)
}

// IsValid reports whether the value is a known LogicalOperator.
func (v LogicalOperator) IsValid() bool {
	for _, candidate := range validLogicalOperators {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseLogicalOperator converts raw input into a LogicalOperator.
func ParseLogicalOperator(value string) (LogicalOperator, error) {
	for _, candidate := range validLogicalOperators {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid logical operator %q", value)
}
