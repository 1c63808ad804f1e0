package enums

import "fmt"

// RiskLevel buckets a churn risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

var validRiskLevels = []RiskLevel{
	RiskLevelLow,
	RiskLevelMedium,
	RiskLevelHigh,
	RiskLevelCritical,
}

// String implements fmt.Stringer.
func (v RiskLevel) String() string {
	return string(v)
}

// IsValid reports whether the value is a known RiskLevel.
func (v RiskLevel) IsValid() bool {
	for _, candidate := range validRiskLevels {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseRiskLevel converts raw input into a RiskLevel.
func ParseRiskLevel(value string) (RiskLevel, error) {
	for _, candidate := range validRiskLevels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid risk level %q", value)
}

// Rank orders levels from least to most severe.
func (v RiskLevel) Rank() int {
	for i, candidate := range validRiskLevels {
		if candidate == v {
			return i
		}
	}
	return -1
}
