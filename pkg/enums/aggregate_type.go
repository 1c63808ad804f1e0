package enums

import "fmt"

// AggregateType names a materialized aggregate family.
type AggregateType string

const (
	AggregateSegment   AggregateType = "segment"
	AggregateFunnel    AggregateType = "funnel"
	AggregateRetention AggregateType = "retention"
	AggregateChurn     AggregateType = "churn"
)

var validAggregateTypes = []AggregateType{
	AggregateSegment,
	AggregateFunnel,
	AggregateRetention,
	AggregateChurn,
}

// String implements fmt.Stringer.
func (v AggregateType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known AggregateType.
func (v AggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseAggregateType converts raw input into a AggregateType.
func ParseAggregateType(value string) (AggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}
