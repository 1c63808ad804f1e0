package segments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

var asOf = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func profile(user string, at time.Time, props map[string]events.Value) events.Event {
	return events.Event{UserID: user, Name: "profile_updated", Timestamp: at, Properties: props}
}

func powerUsers() Definition {
	return Definition{
		ID:   "power-users",
		Name: "Power users",
		Conditions: []condition.Condition{
			{Property: "mockups_per_week", Operator: enums.OperatorGreaterThan, Value: events.Number(10)},
			{Property: "subscription_tier", Operator: enums.OperatorIn, Value: events.StringList("pro", "team"), Logical: enums.LogicalAnd},
		},
	}
}

func newEngine(t *testing.T, evts ...events.Event) *Engine {
	t.Helper()
	engine, err := NewEngine(eventstore.NewMemoryReader(evts...))
	require.NoError(t, err)
	return engine
}

func TestComputeMembershipPowerUsers(t *testing.T) {
	day := asOf.Add(-24 * time.Hour)
	engine := newEngine(t,
		profile("u1", day, map[string]events.Value{"mockups_per_week": events.Number(12), "subscription_tier": events.String("pro")}),
		profile("u2", day, map[string]events.Value{"mockups_per_week": events.Number(8), "subscription_tier": events.String("pro")}),
		profile("u3", day, map[string]events.Value{"mockups_per_week": events.Number(25), "subscription_tier": events.String("free")}),
		profile("u4", day, map[string]events.Value{"mockups_per_week": events.Number(11), "subscription_tier": events.String("team")}),
	)

	seg, err := engine.ComputeMembership(context.Background(), powerUsers(), asOf, nil)
	require.NoError(t, err)

	assert.True(t, seg.IsMember("u1"))
	assert.False(t, seg.IsMember("u2"))
	assert.False(t, seg.IsMember("u3"))
	assert.Equal(t, []string{"u1", "u4"}, seg.MemberUserIDs)
	assert.Equal(t, 2, seg.Size)
	assert.Equal(t, 4, seg.TotalActive)
	assert.Equal(t, 50.0, seg.PercentOfTotal)
	assert.Equal(t, 0.0, seg.Growth)
	assert.Equal(t, enums.SegmentStatusActive, seg.Status)
	assert.Equal(t, asOf, seg.AsOf)
	assert.Empty(t, seg.Warnings)
}

func TestComputeMembershipLatestPropertyWins(t *testing.T) {
	engine := newEngine(t,
		profile("u1", asOf.Add(-48*time.Hour), map[string]events.Value{"mockups_per_week": events.Number(12), "subscription_tier": events.String("pro")}),
		profile("u1", asOf.Add(-time.Hour), map[string]events.Value{"mockups_per_week": events.Number(3)}),
		profile("u1", asOf.Add(time.Hour), map[string]events.Value{"mockups_per_week": events.Number(40)}),
	)

	seg, err := engine.ComputeMembership(context.Background(), powerUsers(), asOf, nil)
	require.NoError(t, err)
	assert.False(t, seg.IsMember("u1"), "events after asOf must not be visible")
}

func TestComputeMembershipGrowth(t *testing.T) {
	day := asOf.Add(-24 * time.Hour)
	engine := newEngine(t,
		profile("u1", day, map[string]events.Value{"mockups_per_week": events.Number(12), "subscription_tier": events.String("pro")}),
		profile("u2", day, map[string]events.Value{"mockups_per_week": events.Number(13), "subscription_tier": events.String("team")}),
		profile("u3", day, map[string]events.Value{"mockups_per_week": events.Number(14), "subscription_tier": events.String("team")}),
	)

	seg, err := engine.ComputeMembership(context.Background(), powerUsers(), asOf, &Segment{Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 50.0, seg.Growth)

	seg, err = engine.ComputeMembership(context.Background(), powerUsers(), asOf, &Segment{Size: 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, seg.Growth)
}

func TestComputeMembershipUnknownPropertyWarnsOnce(t *testing.T) {
	day := asOf.Add(-24 * time.Hour)
	engine := newEngine(t,
		profile("u1", day, map[string]events.Value{"plan": events.String("pro")}),
		profile("u2", day, map[string]events.Value{"plan": events.String("free")}),
	)
	def := Definition{
		ID:   "typo",
		Name: "Typo",
		Conditions: []condition.Condition{
			{Property: "plann", Operator: enums.OperatorEquals, Value: events.String("pro")},
		},
	}

	seg, err := engine.ComputeMembership(context.Background(), def, asOf, nil)
	require.NoError(t, err)
	assert.Zero(t, seg.Size)
	assert.Equal(t, []string{condition.UnknownPropertyWarning("plann")}, seg.Warnings)
}

func TestComputeMembershipContainsOnNumberFails(t *testing.T) {
	engine := newEngine(t,
		profile("u1", asOf.Add(-time.Hour), map[string]events.Value{"mockups_per_week": events.Number(12)}),
	)
	def := Definition{
		ID:   "bad",
		Name: "Bad",
		Conditions: []condition.Condition{
			{Property: "mockups_per_week", Operator: enums.OperatorContains, Value: events.String("1")},
		},
	}

	_, err := engine.ComputeMembership(context.Background(), def, asOf, nil)
	var invalid *condition.InvalidOperatorError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, "mockups_per_week", invalid.Property)
}

func TestComputeMembershipIsIdempotent(t *testing.T) {
	day := asOf.Add(-24 * time.Hour)
	engine := newEngine(t,
		profile("u2", day, map[string]events.Value{"mockups_per_week": events.Number(12), "subscription_tier": events.String("pro")}),
		profile("u1", day, map[string]events.Value{"mockups_per_week": events.Number(30), "subscription_tier": events.String("team")}),
	)

	first, err := engine.ComputeMembership(context.Background(), powerUsers(), asOf, nil)
	require.NoError(t, err)
	second, err := engine.ComputeMembership(context.Background(), powerUsers(), asOf, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComputeMembershipRuleTree(t *testing.T) {
	day := asOf.Add(-24 * time.Hour)
	engine := newEngine(t,
		profile("u1", day, map[string]events.Value{"plan": events.String("free"), "country": events.String("MX")}),
		profile("u2", day, map[string]events.Value{"plan": events.String("pro"), "country": events.String("US")}),
		profile("u3", day, map[string]events.Value{"plan": events.String("free"), "country": events.String("US")}),
		events.Event{UserID: "u3", Name: "mockup_created", Timestamp: day},
		events.Event{UserID: "u3", Name: "mockup_created", Timestamp: day.Add(time.Minute)},
	)
	// plan = pro OR (country != MX AND event_count:mockup_created >= 2)
	def := Definition{
		ID:   "engaged",
		Name: "Engaged",
		Rule: &condition.Node{Or: []condition.Node{
			{Condition: &condition.Condition{Property: "plan", Operator: enums.OperatorEquals, Value: events.String("pro")}},
			{And: []condition.Node{
				{Not: &condition.Node{Condition: &condition.Condition{Property: "country", Operator: enums.OperatorEquals, Value: events.String("MX")}}},
				{Condition: &condition.Condition{Property: "event_count:mockup_created", Operator: enums.OperatorGreaterThan, Value: events.Number(1), Source: enums.ValueSourceEvent}},
			}},
		}},
	}

	seg, err := engine.ComputeMembership(context.Background(), def, asOf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3"}, seg.MemberUserIDs)
}

func TestDefinitionValidate(t *testing.T) {
	assert.Error(t, Definition{Name: "no id"}.Validate())

	both := powerUsers()
	both.Rule = &condition.Node{Condition: &both.Conditions[0]}
	assert.Error(t, both.Validate())

	bad := powerUsers()
	bad.Status = "dormant"
	assert.Error(t, bad.Validate())

	assert.NoError(t, powerUsers().Validate())
	assert.Equal(t, "segment:power-users", powerUsers().Key())
}

func TestComputeMembershipHonorsCancellation(t *testing.T) {
	engine := newEngine(t, profile("u1", asOf.Add(-time.Hour), nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.ComputeMembership(ctx, powerUsers(), asOf, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
