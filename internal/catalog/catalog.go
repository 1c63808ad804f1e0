// Package catalog loads the aggregate definitions the scheduler refreshes.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// Catalog lists every segment and funnel plus cohort and churn settings.
type Catalog struct {
	Segments []segments.Definition `yaml:"segments" validate:"dive"`
	Funnels  []funnels.Definition  `yaml:"funnels" validate:"dive"`
	Cohorts  CohortSettings        `yaml:"cohorts"`
	Churn    ChurnSettings         `yaml:"churn"`
}

// CohortSettings overrides the engine policy for retention runs. Lookback is
// the number of cohort buckets refreshed on each run.
type CohortSettings struct {
	Grain    enums.CohortGrain `json:"grain,omitempty" yaml:"grain" validate:"omitempty,oneof=day week month"`
	Periods  int               `json:"periods,omitempty" yaml:"periods" validate:"gte=0,lte=120"`
	Lookback int               `json:"lookback,omitempty" yaml:"lookback" validate:"gte=0,lte=120"`
}

// ChurnSettings overrides the scorer defaults.
type ChurnSettings struct {
	CutPoints     []float64                     `yaml:"cut_points" validate:"omitempty,len=3,dive,gt=0,lte=100"`
	Weights       map[string]float64            `yaml:"weights" validate:"omitempty,dive,gte=0"`
	Interventions map[string]churn.Intervention `yaml:"interventions"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, rejecting unknown fields, and validates the result.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate runs the struct rules and the static condition checks. Every
// problem is reported, not just the first.
func (c *Catalog) Validate() error {
	var errs error
	if err := validate.Struct(c); err != nil {
		errs = multierr.Append(errs, formatValidationErrors(err))
	}

	seen := map[string]struct{}{}
	for _, def := range c.Segments {
		if _, dup := seen[def.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate segment id %q", def.ID))
		}
		seen[def.ID] = struct{}{}
		errs = multierr.Append(errs, def.Validate())
	}

	seen = map[string]struct{}{}
	for _, def := range c.Funnels {
		if _, dup := seen[def.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate funnel id %q", def.ID))
		}
		seen[def.ID] = struct{}{}
		errs = multierr.Append(errs, def.Validate())
	}

	if len(c.Churn.CutPoints) == 3 {
		if _, err := c.cutPoints(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for name, iv := range c.Churn.Interventions {
		if !iv.Kind.IsValid() {
			errs = multierr.Append(errs, fmt.Errorf("churn intervention %s: invalid kind %q", name, iv.Kind))
		}
	}
	return errs
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var out error
	for _, fe := range verrs {
		out = multierr.Append(out, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return out
}

// Segment returns the segment definition with id.
func (c *Catalog) Segment(id string) (segments.Definition, bool) {
	for _, def := range c.Segments {
		if def.ID == id {
			return def, true
		}
	}
	return segments.Definition{}, false
}

// Funnel returns the funnel definition with id.
func (c *Catalog) Funnel(id string) (funnels.Definition, bool) {
	for _, def := range c.Funnels {
		if def.ID == id {
			return def, true
		}
	}
	return funnels.Definition{}, false
}

// ActiveSegments lists segments refreshed on schedule.
func (c *Catalog) ActiveSegments() []segments.Definition {
	out := make([]segments.Definition, 0, len(c.Segments))
	for _, def := range c.Segments {
		if def.Status == "" || def.Status == enums.SegmentStatusActive {
			out = append(out, def)
		}
	}
	return out
}

// RetentionPlan is the resolved cohort configuration.
type RetentionPlan struct {
	Grain    enums.CohortGrain
	Periods  int
	Lookback int
}

// RangeStart returns the start of the oldest cohort refreshed at asOf.
func (p RetentionPlan) RangeStart(asOf time.Time) time.Time {
	switch p.Grain {
	case enums.CohortGrainMonth:
		return asOf.AddDate(0, -(p.Lookback - 1), 0)
	case enums.CohortGrainWeek:
		return asOf.AddDate(0, 0, -7*(p.Lookback-1))
	default:
		return asOf.AddDate(0, 0, -(p.Lookback - 1))
	}
}

// Retention merges the catalog cohort settings over policy.
func (c *Catalog) Retention(policy config.Policy) RetentionPlan {
	plan := RetentionPlan{Grain: policy.CohortGrain, Periods: policy.RetentionPeriods, Lookback: policy.RetentionPeriods}
	if c.Cohorts.Grain != "" {
		plan.Grain = c.Cohorts.Grain
	}
	if c.Cohorts.Periods > 0 {
		plan.Periods = c.Cohorts.Periods
	}
	if c.Cohorts.Lookback > 0 {
		plan.Lookback = c.Cohorts.Lookback
	}
	return plan
}

// ChurnOptions merges the catalog churn settings over policy.
func (c *Catalog) ChurnOptions(policy config.Policy) (churn.Options, error) {
	opts := churn.Options{
		CutPoints:     policy.ChurnCutPoints,
		Period:        policy.ScoringPeriod,
		Weights:       c.Churn.Weights,
		Interventions: c.Churn.Interventions,
	}
	if len(c.Churn.CutPoints) > 0 {
		cuts, err := c.cutPoints()
		if err != nil {
			return churn.Options{}, err
		}
		opts.CutPoints = cuts
	}
	return opts, nil
}

func (c *Catalog) cutPoints() ([3]float64, error) {
	var cuts [3]float64
	if len(c.Churn.CutPoints) != len(cuts) {
		return cuts, fmt.Errorf("churn cut_points needs 3 values, got %d", len(c.Churn.CutPoints))
	}
	copy(cuts[:], c.Churn.CutPoints)
	parts := make([]string, len(cuts))
	for i, v := range cuts {
		parts[i] = fmt.Sprint(v)
	}
	return config.ParseCutPoints(strings.Join(parts, ","))
}
