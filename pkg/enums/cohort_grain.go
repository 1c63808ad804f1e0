package enums

import "fmt"

// CohortGrain is the bucket width used to group users into cohorts.
type CohortGrain string

const (
	CohortGrainDay   CohortGrain = "day"
	CohortGrainWeek  CohortGrain = "week"
	CohortGrainMonth CohortGrain = "month"
)

var validCohortGrains = []CohortGrain{
	CohortGrainDay,
	CohortGrainWeek,
	CohortGrainMonth,
}

// String implements fmt.Stringer.
func (v CohortGrain) String() string {
	return string(v)
}

// IsValid reports whether the value is a known CohortGrain.
func (v CohortGrain) IsValid() bool {
	for _, candidate := range validCohortGrains {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseCohortGrain converts raw input into a CohortGrain.
func ParseCohortGrain(value string) (CohortGrain, error) {
	for _, candidate := range validCohortGrains {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid cohort grain %q", value)
}
