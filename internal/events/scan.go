package events

import (
	"context"
	"sync/atomic"
	"time"
)

// ScanCounter accumulates events read on behalf of one computation run.
type ScanCounter struct {
	n atomic.Int64
}

// Load returns the number of events counted so far.
func (c *ScanCounter) Load() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

type scanCounterKey struct{}

// WithScanCounter attaches a fresh counter to ctx. Readers wrapped with
// CountScans add every event they yield to it.
func WithScanCounter(ctx context.Context) (context.Context, *ScanCounter) {
	c := &ScanCounter{}
	return context.WithValue(ctx, scanCounterKey{}, c), c
}

func scanCounterFrom(ctx context.Context) *ScanCounter {
	c, _ := ctx.Value(scanCounterKey{}).(*ScanCounter)
	return c
}

type countingReader struct {
	base Reader
}

// CountScans wraps r so that events yielded under a context carrying a
// ScanCounter are counted.
func CountScans(r Reader) Reader {
	return &countingReader{base: r}
}

func (r *countingReader) QueryEvents(ctx context.Context, q Query) (Iterator, error) {
	it, err := r.base.QueryEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	counter := scanCounterFrom(ctx)
	if counter == nil {
		return it, nil
	}
	return &countedIterator{Iterator: it, counter: counter}, nil
}

func (r *countingReader) ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error) {
	return DistinctUsers(ctx, r.base, asOf)
}

type countedIterator struct {
	Iterator
	counter *ScanCounter
}

func (c *countedIterator) Next() bool {
	if c.Iterator.Next() {
		c.counter.n.Add(1)
		return true
	}
	return false
}
