// Package runs coordinates aggregate computations: it assigns run ids, tracks
// cancellation, records the run ledger and commits results to the cache.
package runs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

var (
	// ErrRunNotFound is returned by Cancel for a run that is not in flight.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunCanceled marks a run stopped before it could commit.
	ErrRunCanceled = errors.New("run canceled")
)

// Trigger labels where a run came from.
const (
	TriggerAPI       = "api"
	TriggerScheduler = "scheduler"
	TriggerWorker    = "worker"
	TriggerCLI       = "cli"
)

// Request asks for one aggregate computation.
//
// Key selects what is computed: a segment id, a funnel id, a cohort id such
// as "week:2024-01-01", or a user id for churn. An empty key computes every
// cohort in the lookback range or every active user. Window only applies to
// funnels; without it the funnel's configured window ending at AsOf is used.
type Request struct {
	AggregateType enums.AggregateType `json:"aggregate_type"`
	Key           string              `json:"key"`
	AsOf          time.Time           `json:"as_of"`
	Window        *funnels.Window     `json:"window,omitempty"`
	Trigger       string              `json:"trigger"`
}

// Validate checks the request shape before anything is recorded.
func (r Request) Validate() error {
	if !r.AggregateType.IsValid() {
		return fmt.Errorf("invalid aggregate type %q", r.AggregateType)
	}
	key := strings.TrimSpace(r.Key)
	switch r.AggregateType {
	case enums.AggregateSegment, enums.AggregateFunnel:
		if key == "" {
			return fmt.Errorf("%s runs need a definition id", r.AggregateType)
		}
	}
	if r.Window != nil {
		if r.AggregateType != enums.AggregateFunnel {
			return errors.New("window only applies to funnel runs")
		}
		if err := r.Window.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Result summarizes a finished run.
type Result struct {
	RunID         uuid.UUID           `json:"run_id"`
	AggregateType enums.AggregateType `json:"aggregate_type"`
	Key           string              `json:"key"`
	Status        enums.RunStatus     `json:"status"`
	Committed     int                 `json:"committed"`
	Stale         int                 `json:"stale"`
	EventsScanned int64               `json:"events_scanned"`
	ComputedAt    time.Time           `json:"computed_at"`
	Err           error               `json:"-"`
}
