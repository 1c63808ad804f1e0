package churn

import (
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Factor is one weighted contribution to a churn score, in points.
type Factor struct {
	Name   string      `json:"name"`
	Impact float64     `json:"impact"`
	Trend  enums.Trend `json:"trend"`
	Detail string      `json:"detail,omitempty"`
}

// Intervention is a suggested retention action.
type Intervention struct {
	Kind   enums.InterventionKind `json:"kind" yaml:"kind"`
	Reason string                 `json:"reason" yaml:"reason"`
}

// Record is the churn risk of one user at asOf. A newer record for the same
// user replaces the older one.
type Record struct {
	UserID        string          `json:"user_id"`
	Score         int             `json:"score"`
	Level         enums.RiskLevel `json:"level"`
	Factors       []Factor        `json:"factors"`
	Interventions []Intervention  `json:"interventions,omitempty"`
	AsOf          time.Time       `json:"as_of"`
	RunID         string          `json:"run_id,omitempty"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// Key returns the aggregate key of the record.
func (r *Record) Key() string { return Key(r.UserID) }

// Key builds the aggregate key for a user's churn record.
func Key(userID string) string { return "churn:" + userID }
