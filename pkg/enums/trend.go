package enums

import "fmt"

// Trend describes how a churn factor moved since the prior scoring period.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

var validTrends = []Trend{
	TrendImproving,
	TrendDeclining,
	TrendStable,
}

// String implements fmt.Stringer.
func (v Trend) String() string {
	return string(v)
}

// IsValid reports whether the value is a known Trend.
func (v Trend) IsValid() bool {
	for _, candidate := range validTrends {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseTrend converts raw input into a Trend.
func ParseTrend(value string) (Trend, error) {
	for _, candidate := range validTrends {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid trend %q", value)
}
