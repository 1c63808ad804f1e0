package cohorts

import (
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// PeriodStart truncates ts to the start of its bucket in UTC. Weeks start on
// Monday and months on the 1st.
func PeriodStart(grain enums.CohortGrain, ts time.Time) time.Time {
	ts = ts.UTC()
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	switch grain {
	case enums.CohortGrainWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case enums.CohortGrainMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// AddPeriods moves start by n buckets.
func AddPeriods(grain enums.CohortGrain, start time.Time, n int) time.Time {
	switch grain {
	case enums.CohortGrainWeek:
		return start.AddDate(0, 0, 7*n)
	case enums.CohortGrainMonth:
		return start.AddDate(0, n, 0)
	default:
		return start.AddDate(0, 0, n)
	}
}

// Offset returns how many buckets ts lies after start, or -1 before it.
func Offset(grain enums.CohortGrain, start, ts time.Time) int {
	if ts.Before(start) {
		return -1
	}
	bucket := PeriodStart(grain, ts)
	switch grain {
	case enums.CohortGrainMonth:
		return (bucket.Year()-start.Year())*12 + int(bucket.Month()-start.Month())
	case enums.CohortGrainWeek:
		return int(bucket.Sub(start).Hours() / (24 * 7))
	default:
		return int(bucket.Sub(start).Hours() / 24)
	}
}

// ID formats a cohort id as <grain>:<YYYY-MM-DD>.
func ID(grain enums.CohortGrain, start time.Time) string {
	return fmt.Sprintf("%s:%s", grain, start.UTC().Format(time.DateOnly))
}

// ParseID reverses ID. The date must be the start of a bucket.
func ParseID(id string) (enums.CohortGrain, time.Time, error) {
	rawGrain, rawDate, ok := strings.Cut(id, ":")
	if !ok {
		return "", time.Time{}, fmt.Errorf("cohort id %q must look like <grain>:<YYYY-MM-DD>", id)
	}
	grain, err := enums.ParseCohortGrain(rawGrain)
	if err != nil {
		return "", time.Time{}, err
	}
	start, err := time.ParseInLocation(time.DateOnly, rawDate, time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cohort id %q: %w", id, err)
	}
	if !PeriodStart(grain, start).Equal(start) {
		return "", time.Time{}, fmt.Errorf("cohort id %q: %s is not the start of a %s", id, rawDate, grain)
	}
	return grain, start, nil
}

// Key builds the aggregate key of a retention curve.
func Key(cohortID string) string {
	return "retention:" + cohortID
}
