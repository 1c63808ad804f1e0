package churn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/ratio"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// DefaultCutPoints are the low/medium/high upper bounds; scores at or above
// the last one are critical.
var DefaultCutPoints = [3]float64{40, 70, 90}

// DefaultInterventions maps a factor to the action suggested when it leads.
var DefaultInterventions = map[string]Intervention{
	FactorInactivity:     {Kind: enums.InterventionEmail, Reason: "re-engagement email for an inactive user"},
	FactorUsageTrend:     {Kind: enums.InterventionFeatureHighlight, Reason: "highlight features to recover declining usage"},
	FactorSupportTickets: {Kind: enums.InterventionSupport, Reason: "follow up on open support tickets"},
	FactorBillingSignals: {Kind: enums.InterventionDiscount, Reason: "retention offer after billing trouble"},
}

var fallbackIntervention = Intervention{Kind: enums.InterventionInApp, Reason: "in-app check-in"}

// Options tunes the scorer.
type Options struct {
	CutPoints     [3]float64
	Period        time.Duration
	Weights       map[string]float64
	Interventions map[string]Intervention
	Factors       []FactorDef
}

// Scorer computes churn risk records. It holds no mutable state.
type Scorer struct {
	reader        events.Reader
	cuts          [3]float64
	period        time.Duration
	weights       map[string]float64
	interventions map[string]Intervention
	factors       []FactorDef
}

func NewScorer(reader events.Reader, opts Options) (*Scorer, error) {
	if reader == nil {
		return nil, errors.New("event reader is required")
	}
	if opts.CutPoints == ([3]float64{}) {
		opts.CutPoints = DefaultCutPoints
	}
	if err := validateCutPoints(opts.CutPoints); err != nil {
		return nil, err
	}
	if opts.Period <= 0 {
		opts.Period = 7 * 24 * time.Hour
	}
	if len(opts.Factors) == 0 {
		opts.Factors = BuiltinFactors()
	}
	interventions := map[string]Intervention{}
	for k, v := range DefaultInterventions {
		interventions[k] = v
	}
	for k, v := range opts.Interventions {
		if !v.Kind.IsValid() {
			return nil, fmt.Errorf("intervention for %s: invalid kind %q", k, v.Kind)
		}
		interventions[k] = v
	}
	for name, w := range opts.Weights {
		if w < 0 {
			return nil, fmt.Errorf("weight for %s must not be negative", name)
		}
	}
	return &Scorer{
		reader:        reader,
		cuts:          opts.CutPoints,
		period:        opts.Period,
		weights:       opts.Weights,
		interventions: interventions,
		factors:       opts.Factors,
	}, nil
}

func validateCutPoints(cuts [3]float64) error {
	for i, c := range cuts {
		if c <= 0 || c > 100 || (i > 0 && c <= cuts[i-1]) {
			return fmt.Errorf("invalid churn cut points %v", cuts)
		}
	}
	return nil
}

// Level buckets a score. It is monotonic in score.
func Level(score int, cuts [3]float64) enums.RiskLevel {
	s := float64(score)
	switch {
	case s >= cuts[2]:
		return enums.RiskLevelCritical
	case s >= cuts[1]:
		return enums.RiskLevelHigh
	case s >= cuts[0]:
		return enums.RiskLevelMedium
	default:
		return enums.RiskLevelLow
	}
}

// Score sums factor impacts into a clamped integer score.
func Score(factors []Factor) int {
	sum := 0.0
	for _, f := range factors {
		sum += f.Impact
	}
	score := ratio.RoundInt(sum)
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return int(score)
}

// ScoreUser scores one user from their events up to asOf.
func (s *Scorer) ScoreUser(ctx context.Context, userID string, asOf time.Time) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	it, err := s.reader.QueryEvents(ctx, events.Query{UserID: userID, Range: events.Until(asOf)})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	evts, err := events.Collect(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return s.score(userID, History(evts), asOf), nil
}

// ScoreAll scores every user with at least one event up to asOf, ordered by
// user id.
func (s *Scorer) ScoreAll(ctx context.Context, asOf time.Time) ([]*Record, error) {
	it, err := s.reader.QueryEvents(ctx, events.Query{Range: events.Until(asOf)})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	histories := map[string]History{}
	err = events.ForEach(ctx, it, func(e events.Event) error {
		histories[e.UserID] = append(histories[e.UserID], e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	users := make([]string, 0, len(histories))
	for id := range histories {
		users = append(users, id)
	}
	sort.Strings(users)

	out := make([]*Record, 0, len(users))
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.score(id, histories[id], asOf))
	}
	return out, nil
}

func (s *Scorer) score(userID string, h History, asOf time.Time) *Record {
	asOf = asOf.UTC()
	priorAt := asOf.Add(-s.period)
	prior := h.Until(priorAt)
	hasPrior := len(prior) > 0

	factors := make([]Factor, 0, len(s.factors))
	for _, def := range s.factors {
		impact, detail := def.Compute(h, asOf, s.period)
		impact = ratio.Round1(impact * s.weight(def.Name))
		var priorImpact float64
		if hasPrior {
			pi, _ := def.Compute(prior, priorAt, s.period)
			priorImpact = ratio.Round1(pi * s.weight(def.Name))
		}
		factors = append(factors, Factor{
			Name:   def.Name,
			Impact: impact,
			Trend:  trendOf(impact, priorImpact, hasPrior),
			Detail: detail,
		})
	}
	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].Impact != factors[j].Impact {
			return factors[i].Impact > factors[j].Impact
		}
		return factors[i].Name < factors[j].Name
	})

	score := Score(factors)
	level := Level(score, s.cuts)
	return &Record{
		UserID:        userID,
		Score:         score,
		Level:         level,
		Factors:       factors,
		Interventions: s.suggest(factors, level),
		AsOf:          asOf,
	}
}

func (s *Scorer) weight(name string) float64 {
	if w, ok := s.weights[name]; ok {
		return w
	}
	return 1
}

// suggest picks actions for the leading factors: two for high and critical
// users, one otherwise, none without a positive factor.
func (s *Scorer) suggest(factors []Factor, level enums.RiskLevel) []Intervention {
	limit := 1
	if level.Rank() >= enums.RiskLevelHigh.Rank() {
		limit = 2
	}
	var out []Intervention
	kinds := map[enums.InterventionKind]struct{}{}
	for _, f := range factors {
		if len(out) == limit || f.Impact <= 0 {
			break
		}
		iv, ok := s.interventions[f.Name]
		if !ok {
			iv = fallbackIntervention
		}
		if _, dup := kinds[iv.Kind]; dup {
			continue
		}
		kinds[iv.Kind] = struct{}{}
		out = append(out, iv)
	}
	return out
}
