package condition

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Condition is a single property comparison. Logical joins it to the next
// condition when conditions are folded as a flat list.
type Condition struct {
	Property string                `json:"property" yaml:"property" validate:"required"`
	Operator enums.Operator        `json:"operator" yaml:"operator" validate:"required"`
	Value    events.Value          `json:"value" yaml:"value"`
	Logical  enums.LogicalOperator `json:"logical_operator,omitempty" yaml:"logical_operator,omitempty"`
	Source   enums.ValueSource     `json:"source,omitempty" yaml:"source,omitempty"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Property, c.Operator, c.Value)
}

func (c Condition) source() enums.ValueSource {
	if c.Source == "" {
		return enums.ValueSourceSnapshot
	}
	return c.Source
}

// InvalidOperatorError reports an operator that cannot apply to a value. It is
// a configuration error and is never retried.
type InvalidOperatorError struct {
	Property string
	Operator enums.Operator
	Reason   string
}

func (e *InvalidOperatorError) Error() string {
	return fmt.Sprintf("invalid operator %q on property %q: %s", e.Operator, e.Property, e.Reason)
}

func invalid(c Condition, format string, args ...any) error {
	return &InvalidOperatorError{Property: c.Property, Operator: c.Operator, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the operator and value shape without any user data.
func Validate(c Condition) error {
	if strings.TrimSpace(c.Property) == "" {
		return fmt.Errorf("condition property is required")
	}
	if c.Logical != "" && !c.Logical.IsValid() {
		return fmt.Errorf("condition on %q: invalid logical operator %q", c.Property, c.Logical)
	}
	if c.Source != "" && !c.Source.IsValid() {
		return fmt.Errorf("condition on %q: invalid source %q", c.Property, c.Source)
	}
	if c.source() == enums.ValueSourceEvent {
		if _, err := ParseEventRef(c.Property); err != nil {
			return fmt.Errorf("condition on %q: %w", c.Property, err)
		}
	}
	return checkShape(c)
}

func checkShape(c Condition) error {
	switch c.Operator {
	case enums.OperatorEquals, enums.OperatorNotEquals:
		switch c.Value.Kind() {
		case events.KindString, events.KindNumber, events.KindBool:
			return nil
		}
		return invalid(c, "expects a scalar value, got %s", c.Value.Kind())
	case enums.OperatorGreaterThan, enums.OperatorLessThan:
		if c.Value.Kind() != events.KindNumber {
			return invalid(c, "expects a number, got %s", c.Value.Kind())
		}
		return nil
	case enums.OperatorBetween:
		lo, hi, ok := c.Value.AsRange()
		if !ok {
			return invalid(c, "expects a [low, high] range, got %s", c.Value.Kind())
		}
		if lo > hi {
			return invalid(c, "range low %v exceeds high %v", lo, hi)
		}
		return nil
	case enums.OperatorIn, enums.OperatorNotIn:
		if _, ok := c.Value.AsList(); !ok {
			return invalid(c, "expects a list, got %s", c.Value.Kind())
		}
		return nil
	case enums.OperatorContains:
		switch c.Value.Kind() {
		case events.KindString, events.KindNumber:
			return nil
		}
		return invalid(c, "expects a string needle, got %s", c.Value.Kind())
	default:
		return invalid(c, "unknown operator")
	}
}

// Evaluate applies c to the resolved property value. present is false when the
// property is missing, which satisfies only not_equals and not_in.
func Evaluate(c Condition, value events.Value, present bool) (bool, error) {
	if err := checkShape(c); err != nil {
		return false, err
	}
	if !present || value.IsNull() {
		return c.Operator.NegatesMissing(), nil
	}

	switch c.Operator {
	case enums.OperatorEquals:
		return value.Equal(c.Value), nil
	case enums.OperatorNotEquals:
		return !value.Equal(c.Value), nil
	case enums.OperatorGreaterThan, enums.OperatorLessThan:
		n, ok := value.AsNumber()
		if !ok {
			return false, invalid(c, "property holds %s, not a number", value.Kind())
		}
		bound, _ := c.Value.AsNumber()
		if c.Operator == enums.OperatorGreaterThan {
			return n > bound, nil
		}
		return n < bound, nil
	case enums.OperatorBetween:
		n, ok := value.AsNumber()
		if !ok {
			return false, invalid(c, "property holds %s, not a number", value.Kind())
		}
		lo, hi, _ := c.Value.AsRange()
		return n >= lo && n <= hi, nil
	case enums.OperatorIn, enums.OperatorNotIn:
		hit, err := memberOf(c, value)
		if err != nil {
			return false, err
		}
		if c.Operator == enums.OperatorIn {
			return hit, nil
		}
		return !hit, nil
	case enums.OperatorContains:
		needle := c.Value.Text()
		switch value.Kind() {
		case events.KindString:
			s, _ := value.AsString()
			return strings.Contains(s, needle), nil
		case events.KindStringList, events.KindRange:
			list, _ := value.AsList()
			for _, item := range list {
				if item == needle {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, invalid(c, "contains is undefined for %s properties", value.Kind())
		}
	}
	return false, invalid(c, "unknown operator")
}

func memberOf(c Condition, value events.Value) (bool, error) {
	set, _ := c.Value.AsList()
	lookup := make(map[string]struct{}, len(set))
	for _, item := range set {
		lookup[item] = struct{}{}
	}
	switch value.Kind() {
	case events.KindString, events.KindNumber, events.KindBool:
		_, ok := lookup[value.Text()]
		return ok, nil
	case events.KindStringList, events.KindRange:
		list, _ := value.AsList()
		for _, item := range list {
			if _, ok := lookup[item]; ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, invalid(c, "set membership is undefined for %s properties", value.Kind())
	}
}
