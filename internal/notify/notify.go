// Package notify announces committed aggregates to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

// Notice describes one aggregate that was written to the cache.
type Notice struct {
	AggregateType enums.AggregateType `json:"aggregate_type"`
	Key           string              `json:"key"`
	RunID         string              `json:"run_id"`
	ComputedAt    time.Time           `json:"computed_at"`
}

// Notifier publishes commit notices.
type Notifier interface {
	AggregateCommitted(ctx context.Context, n Notice) error
}

// Noop drops every notice.
type Noop struct{}

func (Noop) AggregateCommitted(context.Context, Notice) error { return nil }

type messageWriter interface {
	Write(ctx context.Context, key string, value []byte) error
}

// KafkaNotifier writes notices as JSON keyed by aggregate key.
type KafkaNotifier struct {
	w    messageWriter
	logg *logger.Logger
}

// NewKafkaNotifier wraps a kafka writer.
func NewKafkaNotifier(w messageWriter, logg *logger.Logger) *KafkaNotifier {
	return &KafkaNotifier{w: w, logg: logg}
}

func (k *KafkaNotifier) AggregateCommitted(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	if err := k.w.Write(ctx, n.Key, payload); err != nil {
		return fmt.Errorf("publish notice %s: %w", n.Key, err)
	}
	if k.logg != nil {
		ctx = k.logg.WithAggregate(ctx, string(n.AggregateType), n.Key)
		k.logg.Debug(ctx, "aggregate commit published")
	}
	return nil
}
