package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

type fakeWriter struct {
	keys   []string
	values [][]byte
	err    error
}

func (f *fakeWriter) Write(_ context.Context, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func TestKafkaNotifierPublishesJSON(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w, nil)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	err := n.AggregateCommitted(context.Background(), Notice{
		AggregateType: enums.AggregateSegment,
		Key:           "segment:power_users",
		RunID:         "run-1",
		ComputedAt:    at,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"segment:power_users"}, w.keys)

	var got Notice
	require.NoError(t, json.Unmarshal(w.values[0], &got))
	assert.Equal(t, enums.AggregateSegment, got.AggregateType)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, at.Equal(got.ComputedAt))
}

func TestKafkaNotifierWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	n := NewKafkaNotifier(&fakeWriter{err: boom}, nil)
	err := n.AggregateCommitted(context.Background(), Notice{Key: "churn:u1"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "churn:u1")
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.AggregateCommitted(context.Background(), Notice{}))
}
