package cohorts

import (
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Cohort is the frozen set of users whose first event fell in one bucket.
type Cohort struct {
	ID          string            `json:"id"`
	Grain       enums.CohortGrain `json:"grain"`
	StartPeriod time.Time         `json:"start_period"`
	UserIDs     []string          `json:"user_ids"`
	AsOf        time.Time         `json:"as_of"`
}

// Size is the number of users in the cohort.
func (c Cohort) Size() int { return len(c.UserIDs) }

// Period is one point of a retention curve.
type Period struct {
	Offset        int     `json:"offset"`
	RetainedCount int     `json:"retained_count"`
	Percentage    float64 `json:"percentage"`
}

// RetentionCurve is the retention of one cohort over successive buckets.
type RetentionCurve struct {
	CohortID    string            `json:"cohort_id"`
	Grain       enums.CohortGrain `json:"grain"`
	StartPeriod time.Time         `json:"start_period"`
	CohortSize  int               `json:"cohort_size"`
	Periods     []Period          `json:"periods"`
	AsOf        time.Time         `json:"as_of"`
	RunID       string            `json:"run_id,omitempty"`
	ComputedAt  time.Time         `json:"computed_at"`
}

// Key returns the aggregate key of the curve.
func (r *RetentionCurve) Key() string { return Key(r.CohortID) }
