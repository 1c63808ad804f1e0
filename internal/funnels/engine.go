package funnels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/ratio"
)

const (
	DefaultBottleneckThreshold = 50.0
	DefaultShards              = 8
)

// Options tunes the engine.
type Options struct {
	BottleneckThreshold float64
	Shards              int
}

// Engine computes funnels from the event store. It holds no mutable state.
type Engine struct {
	reader    events.Reader
	threshold float64
	shards    int
}

func NewEngine(reader events.Reader, opts Options) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("event reader is required")
	}
	if opts.BottleneckThreshold < 0 || opts.BottleneckThreshold > 100 {
		return nil, fmt.Errorf("bottleneck threshold %v out of range", opts.BottleneckThreshold)
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	return &Engine{reader: reader, threshold: opts.BottleneckThreshold, shards: opts.Shards}, nil
}

// partial is what one shard contributes; shards never share state.
type partial struct {
	visitors []int
	seconds  []float64
	excluded int
}

func newPartial(steps int) partial {
	return partial{visitors: make([]int, steps), seconds: make([]float64, steps)}
}

func (p *partial) merge(o partial) {
	for i := range p.visitors {
		p.visitors[i] += o.visitors[i]
		p.seconds[i] += o.seconds[i]
	}
	p.excluded += o.excluded
}

// ComputeFunnel counts, for each step, the users who reached it in order
// inside the window.
func (e *Engine) ComputeFunnel(ctx context.Context, def Definition, window Window) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("funnel %s: %w", def.ID, err)
	}
	steps := make([]condition.Expr, len(def.Steps))
	for i, s := range def.Steps {
		expr, err := s.expr()
		if err != nil {
			return nil, fmt.Errorf("funnel %s: step %d: %w", def.ID, i, err)
		}
		steps[i] = expr
	}

	partitions, err := e.partition(ctx, window)
	if err != nil {
		return nil, err
	}

	results := make([]partial, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i := range partitions {
		g.Go(func() error {
			p, err := countShard(gctx, steps, partitions[i])
			if err != nil {
				return fmt.Errorf("funnel %s: %w", def.ID, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := newPartial(len(steps))
	for _, p := range results {
		total.merge(p)
	}
	return e.summarize(def, window, total), nil
}

// partition reads the window once and hash-partitions the user timelines.
func (e *Engine) partition(ctx context.Context, window Window) ([]map[string][]events.Event, error) {
	it, err := e.reader.QueryEvents(ctx, events.Query{Range: events.TimeRange{Start: window.Start, End: window.End}})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	shards := make([]map[string][]events.Event, e.shards)
	for i := range shards {
		shards[i] = map[string][]events.Event{}
	}
	err = events.ForEach(ctx, it, func(ev events.Event) error {
		idx := int(xxhash.Sum64String(ev.UserID) % uint64(len(shards)))
		shards[idx][ev.UserID] = append(shards[idx][ev.UserID], ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return shards, nil
}

func countShard(ctx context.Context, steps []condition.Expr, timelines map[string][]events.Event) (partial, error) {
	p := newPartial(len(steps))
	users := make([]string, 0, len(timelines))
	for id := range timelines {
		users = append(users, id)
	}
	sort.Strings(users)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return partial{}, err
		}
		if err := walkUser(steps, timelines[userID], &p); err != nil {
			return partial{}, fmt.Errorf("user %s: %w", userID, err)
		}
	}
	return p, nil
}

// walkUser matches steps greedily: each step takes the earliest qualifying
// event strictly after the previous step's match.
func walkUser(steps []condition.Expr, timeline []events.Event, p *partial) error {
	var prev time.Time
	cursor := 0
	for i, step := range steps {
		matched := -1
		for j := cursor; j < len(timeline); j++ {
			ev := timeline[j]
			if i > 0 && !ev.Timestamp.After(prev) {
				continue
			}
			ok, err := qualifies(step, ev)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if ok {
				matched = j
				break
			}
		}
		if matched < 0 {
			if i > 0 {
				out, err := outOfOrder(step, timeline, prev)
				if err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
				if out {
					p.excluded++
				}
			}
			return nil
		}

		at := timeline[matched].Timestamp
		if i > 0 {
			p.seconds[i] += at.Sub(prev).Seconds()
		}
		p.visitors[i]++
		prev = at
		cursor = matched + 1
	}
	return nil
}

// outOfOrder reports whether the user only qualified for a step at or before
// the previous step's match.
func outOfOrder(step condition.Expr, timeline []events.Event, prev time.Time) (bool, error) {
	for _, ev := range timeline {
		if ev.Timestamp.After(prev) {
			break
		}
		ok, err := qualifies(step, ev)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func qualifies(step condition.Expr, ev events.Event) (bool, error) {
	if step == nil {
		return true, nil
	}
	ok, _, err := step.Eval(condition.Env{Resolve: condition.EventResolver(ev)})
	return ok, err
}

func (e *Engine) summarize(def Definition, window Window, total partial) *Run {
	run := &Run{
		FunnelID:      def.ID,
		Name:          def.Name,
		Category:      def.Category,
		WindowStart:   window.Start.UTC(),
		WindowEnd:     window.End.UTC(),
		Steps:         make([]Step, len(def.Steps)),
		ExcludedUsers: total.excluded,
	}
	for i, s := range def.Steps {
		step := Step{Name: s.Name, Visitors: total.visitors[i]}
		if i == 0 {
			step.ConversionRate = 100
		} else {
			prev := total.visitors[i-1]
			step.ConversionRate = ratio.Percent(int64(step.Visitors), int64(prev))
			if step.Visitors > 0 {
				step.AvgTimeToStep = ratio.Round1(total.seconds[i] / float64(step.Visitors))
			}
		}
		step.DropOffRate = ratio.Complement(step.ConversionRate)
		step.Bottleneck = i > 0 && step.DropOffRate >= e.threshold
		if i > 0 {
			// Derived from the rounded drop-off so it agrees with the reported rate.
			step.LostUsers = int(ratio.Of(int64(total.visitors[i-1]), step.DropOffRate))
		}
		run.Steps[i] = step
	}
	run.OverallConversion = 100
	if n := len(run.Steps); n > 1 {
		run.OverallConversion = ratio.Percent(int64(run.Steps[n-1].Visitors), int64(run.Steps[0].Visitors))
	}
	return run
}
