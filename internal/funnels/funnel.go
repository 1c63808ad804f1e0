package funnels

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/condition"
)

// StepDefinition qualifies events for one funnel step. Conditions are
// evaluated against the event itself; the reserved property "event" is the
// event name. Step 0 without conditions matches any event.
type StepDefinition struct {
	Name       string                `json:"name" yaml:"name" validate:"required"`
	Conditions []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"omitempty,dive"`
	Rule       *condition.Node       `json:"rule,omitempty" yaml:"rule,omitempty"`
}

func (s StepDefinition) expr() (condition.Expr, error) {
	switch {
	case s.Rule != nil && len(s.Conditions) > 0:
		return nil, errors.New("set either conditions or rule, not both")
	case s.Rule != nil:
		return s.Rule.Expr()
	case len(s.Conditions) == 0:
		return nil, nil
	default:
		return condition.FromFlat(s.Conditions)
	}
}

// Definition is an ordered list of steps.
type Definition struct {
	ID         string           `json:"id" yaml:"id" validate:"required"`
	Name       string           `json:"name" yaml:"name" validate:"required"`
	Category   string           `json:"category,omitempty" yaml:"category,omitempty"`
	WindowDays int              `json:"window_days" yaml:"window_days" validate:"gte=0"`
	Steps      []StepDefinition `json:"steps" yaml:"steps" validate:"min=1,dive"`
}

// Validate checks the step list statically.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("funnel id is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("funnel %s: at least one step is required", d.ID)
	}
	for i, step := range d.Steps {
		expr, err := step.expr()
		if err != nil {
			return fmt.Errorf("funnel %s: step %d: %w", d.ID, i, err)
		}
		if expr == nil {
			if i > 0 {
				return fmt.Errorf("funnel %s: step %d needs a qualifying condition", d.ID, i)
			}
			continue
		}
		if err := condition.ValidateExpr(expr); err != nil {
			return fmt.Errorf("funnel %s: step %d: %w", d.ID, i, err)
		}
	}
	return nil
}

// Window is the half-open interval [Start, End) a funnel is computed over.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowEndingAt returns the days-long window that ends at asOf.
func WindowEndingAt(asOf time.Time, days int) Window {
	if days <= 0 {
		days = 30
	}
	end := asOf.UTC()
	return Window{Start: end.AddDate(0, 0, -days), End: end}
}

// Validate checks the window bounds.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("funnel window needs a start and an end")
	}
	if !w.End.After(w.Start) {
		return errors.New("funnel window end must be after start")
	}
	return nil
}

// Key builds the aggregate key for one funnel window.
func Key(funnelID string, w Window) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefix(funnelID), w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// KeyPrefix matches every window of a funnel.
func KeyPrefix(funnelID string) string {
	return "funnel:" + funnelID + ":"
}

// Step is the computed result for one funnel step.
type Step struct {
	Name           string  `json:"name"`
	Visitors       int     `json:"visitors"`
	ConversionRate float64 `json:"conversion_rate"`
	DropOffRate    float64 `json:"drop_off_rate"`
	AvgTimeToStep  float64 `json:"avg_time_to_step_seconds"`
	Bottleneck     bool    `json:"bottleneck"`
	LostUsers      int     `json:"lost_users"`
}

// Run is an immutable funnel result for one window.
type Run struct {
	FunnelID          string    `json:"funnel_id"`
	Name              string    `json:"name"`
	Category          string    `json:"category,omitempty"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	Steps             []Step    `json:"steps"`
	OverallConversion float64   `json:"overall_conversion"`
	ExcludedUsers     int       `json:"excluded_users"`
	RunID             string    `json:"run_id,omitempty"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Key returns the aggregate key of the run.
func (r *Run) Key() string {
	return Key(r.FunnelID, Window{Start: r.WindowStart, End: r.WindowEnd})
}
