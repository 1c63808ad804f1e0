package churn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

var asOf = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(user, name string, days int) events.Event {
	return events.Event{UserID: user, Name: name, Timestamp: asOf.AddDate(0, 0, -days)}
}

func fixtureStore() *eventstore.MemoryReader {
	return eventstore.NewMemoryReader(
		daysAgo("u1", "session_started", 20),
		daysAgo("u1", "session_started", 13),
		daysAgo("u1", "session_started", 12),
		daysAgo("u1", EventSupportTicketOpened, 11),
		daysAgo("u1", EventSupportTicketOpened, 10),
		daysAgo("u1", EventSupportTicketResolved, 9),
		daysAgo("u1", EventPaymentFailed, 2),
		daysAgo("u2", "session_started", 1),
	)
}

func newScorer(t *testing.T, opts Options) *Scorer {
	t.Helper()
	scorer, err := NewScorer(fixtureStore(), opts)
	require.NoError(t, err)
	return scorer
}

func TestScoreSumsImpacts(t *testing.T) {
	factors := []Factor{{Name: "a", Impact: 45}, {Name: "b", Impact: 30}, {Name: "c", Impact: 17}}
	score := Score(factors)
	assert.Equal(t, 92, score)
	assert.Equal(t, enums.RiskLevelCritical, Level(score, DefaultCutPoints))
}

func TestScoreIsClamped(t *testing.T) {
	assert.Equal(t, 100, Score([]Factor{{Impact: 80}, {Impact: 45}}))
	assert.Equal(t, 0, Score([]Factor{{Impact: -12}}))
	assert.Equal(t, 0, Score(nil))
}

func TestLevelIsMonotonic(t *testing.T) {
	prev := -1
	for score := 0; score <= 100; score++ {
		rank := Level(score, DefaultCutPoints).Rank()
		assert.GreaterOrEqual(t, rank, prev, "score %d", score)
		prev = rank
	}
	assert.Equal(t, enums.RiskLevelLow, Level(39, DefaultCutPoints))
	assert.Equal(t, enums.RiskLevelMedium, Level(40, DefaultCutPoints))
	assert.Equal(t, enums.RiskLevelHigh, Level(70, DefaultCutPoints))
	assert.Equal(t, enums.RiskLevelCritical, Level(90, DefaultCutPoints))
}

func TestScoreUserFactors(t *testing.T) {
	rec, err := newScorer(t, Options{}).ScoreUser(context.Background(), "u1", asOf)
	require.NoError(t, err)

	assert.Equal(t, 48, rec.Score)
	assert.Equal(t, enums.RiskLevelMedium, rec.Level)
	require.Len(t, rec.Factors, 4)

	want := []Factor{
		{Name: FactorUsageTrend, Impact: 24, Trend: enums.TrendDeclining},
		{Name: FactorBillingSignals, Impact: 15, Trend: enums.TrendDeclining},
		{Name: FactorSupportTickets, Impact: 5, Trend: enums.TrendStable},
		{Name: FactorInactivity, Impact: 4.2, Trend: enums.TrendStable},
	}
	for i, f := range want {
		assert.Equal(t, f.Name, rec.Factors[i].Name)
		assert.Equal(t, f.Impact, rec.Factors[i].Impact, f.Name)
		assert.Equal(t, f.Trend, rec.Factors[i].Trend, f.Name)
	}
	assert.Equal(t, "usage down 80% (5 to 1 events)", rec.Factors[0].Detail)
	assert.Equal(t, []Intervention{DefaultInterventions[FactorUsageTrend]}, rec.Interventions)
	assert.Equal(t, "churn:u1", rec.Key())
}

func TestScoreUserWithoutPriorSignalIsStable(t *testing.T) {
	rec, err := newScorer(t, Options{}).ScoreUser(context.Background(), "u2", asOf)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Score)
	assert.Equal(t, enums.RiskLevelLow, rec.Level)
	for _, f := range rec.Factors {
		assert.Equal(t, enums.TrendStable, f.Trend, f.Name)
	}
	names := []string{}
	for _, f := range rec.Factors {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{FactorInactivity, FactorBillingSignals, FactorSupportTickets, FactorUsageTrend}, names)
	assert.Equal(t, []Intervention{DefaultInterventions[FactorInactivity]}, rec.Interventions)
}

func TestScoreAllOrdersUsersAndMatchesScoreUser(t *testing.T) {
	scorer := newScorer(t, Options{})
	all, err := scorer.ScoreAll(context.Background(), asOf)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].UserID)
	assert.Equal(t, "u2", all[1].UserID)

	one, err := scorer.ScoreUser(context.Background(), "u1", asOf)
	require.NoError(t, err)
	assert.Equal(t, one, all[0])

	again, err := scorer.ScoreAll(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, all, again)
}

func TestWeightsAndInterventionOverrides(t *testing.T) {
	scorer := newScorer(t, Options{
		Weights: map[string]float64{FactorUsageTrend: 0, FactorBillingSignals: 4},
		Interventions: map[string]Intervention{
			FactorSupportTickets: {Kind: enums.InterventionInApp, Reason: "nudge"},
		},
	})
	rec, err := scorer.ScoreUser(context.Background(), "u1", asOf)
	require.NoError(t, err)

	// billing 60 + tickets 5 + inactivity 4.2
	assert.Equal(t, 69, rec.Score)
	assert.Equal(t, FactorBillingSignals, rec.Factors[0].Name)
	assert.Equal(t, enums.RiskLevelMedium, rec.Level)
	assert.Equal(t, []Intervention{DefaultInterventions[FactorBillingSignals]}, rec.Interventions)
}

func TestHighRiskGetsTwoInterventions(t *testing.T) {
	scorer := newScorer(t, Options{CutPoints: [3]float64{10, 20, 95}})
	rec, err := scorer.ScoreUser(context.Background(), "u1", asOf)
	require.NoError(t, err)
	assert.Equal(t, enums.RiskLevelHigh, rec.Level)
	assert.Equal(t, []Intervention{
		DefaultInterventions[FactorUsageTrend],
		DefaultInterventions[FactorBillingSignals],
	}, rec.Interventions)
}

func TestNewScorerValidates(t *testing.T) {
	_, err := NewScorer(nil, Options{})
	assert.Error(t, err)
	_, err = NewScorer(fixtureStore(), Options{CutPoints: [3]float64{70, 40, 90}})
	assert.Error(t, err)
	_, err = NewScorer(fixtureStore(), Options{Weights: map[string]float64{FactorInactivity: -1}})
	assert.Error(t, err)
	_, err = NewScorer(fixtureStore(), Options{Interventions: map[string]Intervention{FactorInactivity: {Kind: "sms"}}})
	assert.Error(t, err)
	_, err = newScorer(t, Options{}).ScoreUser(context.Background(), " ", asOf)
	assert.Error(t, err)
}

func TestHistoryUntil(t *testing.T) {
	h := History{daysAgo("u", "a", 3), daysAgo("u", "b", 2), daysAgo("u", "c", 1)}
	assert.Len(t, h.Until(asOf.AddDate(0, 0, -2)), 2)
	assert.Len(t, h.Until(asOf), 3)
	assert.Empty(t, h.Until(asOf.AddDate(0, 0, -5)))
}
