package segments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Definition is a named membership rule. Either Conditions (a flat list folded
// left to right) or Rule (an expression tree) is set.
type Definition struct {
	ID         string                `json:"id" yaml:"id" validate:"required"`
	Name       string                `json:"name" yaml:"name" validate:"required"`
	Category   string                `json:"category,omitempty" yaml:"category,omitempty"`
	Status     enums.SegmentStatus   `json:"status" yaml:"status"`
	Conditions []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"omitempty,dive"`
	Rule       *condition.Node       `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// Expr returns the evaluable form of the definition.
func (d Definition) Expr() (condition.Expr, error) {
	switch {
	case d.Rule != nil && len(d.Conditions) > 0:
		return nil, errors.New("set either conditions or rule, not both")
	case d.Rule != nil:
		return d.Rule.Expr()
	default:
		return condition.FromFlat(d.Conditions)
	}
}

// Validate checks the definition statically.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("segment id is required")
	}
	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("segment %s: invalid status %q", d.ID, d.Status)
	}
	expr, err := d.Expr()
	if err != nil {
		return fmt.Errorf("segment %s: %w", d.ID, err)
	}
	if err := condition.ValidateExpr(expr); err != nil {
		return fmt.Errorf("segment %s: %w", d.ID, err)
	}
	return nil
}

// Key is the aggregate key of the segment.
func (d Definition) Key() string {
	return Key(d.ID)
}

// Key builds the aggregate key for a segment id.
func Key(id string) string {
	return "segment:" + id
}

// Segment is an immutable membership snapshot.
type Segment struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Category       string              `json:"category,omitempty"`
	Status         enums.SegmentStatus `json:"status"`
	Definition     Definition          `json:"definition"`
	MemberUserIDs  []string            `json:"member_user_ids"`
	Size           int                 `json:"size"`
	TotalActive    int                 `json:"total_active"`
	Growth         float64             `json:"growth"`
	PercentOfTotal float64             `json:"percent_of_total"`
	Warnings       []string            `json:"warnings,omitempty"`
	AsOf           time.Time           `json:"as_of"`
	RunID          string              `json:"run_id,omitempty"`
	ComputedAt     time.Time           `json:"computed_at"`
}

// IsMember reports whether userID belongs to the snapshot.
func (s *Segment) IsMember(userID string) bool {
	if s == nil {
		return false
	}
	for _, id := range s.MemberUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
