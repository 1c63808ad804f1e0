package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/internal/worker"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/pubsub"
)

type computeFlags struct {
	asOf    string
	from    string
	to      string
	enqueue bool
}

func (a *app) computeCommand() *cobra.Command {
	var flags computeFlags
	cmd := &cobra.Command{
		Use:   "compute <segment|funnel|retention|churn> [key]",
		Short: "Run one computation now or enqueue it for the compute worker",
		Long: "Keys: a segment or funnel id, a cohort id such as week:2024-03-04 " +
			"(empty means every cohort in the lookback), or a user id (empty scores every user).",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := buildComputeRequest(args, flags)
			if err != nil {
				return err
			}
			if flags.enqueue {
				return a.enqueue(cmd, msg)
			}
			return a.execute(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&flags.asOf, "as-of", "", "evaluation time (RFC3339 or YYYY-MM-DD), defaults to now")
	cmd.Flags().StringVar(&flags.from, "from", "", "funnel window start (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.to, "to", "", "funnel window end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.enqueue, "enqueue", false, "publish to the compute topic instead of running in-process")
	cmd.MarkFlagsRequiredTogether("from", "to")
	return cmd
}

func buildComputeRequest(args []string, flags computeFlags) (worker.ComputeRequest, error) {
	aggregateType, err := enums.ParseAggregateType(strings.ToLower(strings.TrimSpace(args[0])))
	if err != nil {
		return worker.ComputeRequest{}, err
	}
	msg := worker.ComputeRequest{AggregateType: aggregateType}
	if len(args) > 1 {
		msg.Key = strings.TrimSpace(args[1])
	}
	if flags.asOf != "" {
		asOf, err := parseTime(flags.asOf)
		if err != nil {
			return worker.ComputeRequest{}, fmt.Errorf("--as-of: %w", err)
		}
		msg.AsOf = &asOf
	}
	if flags.from != "" || flags.to != "" {
		start, err := parseTime(flags.from)
		if err != nil {
			return worker.ComputeRequest{}, fmt.Errorf("--from: %w", err)
		}
		end, err := parseTime(flags.to)
		if err != nil {
			return worker.ComputeRequest{}, fmt.Errorf("--to: %w", err)
		}
		msg.Window = &funnels.Window{Start: start, End: end}
	}
	if err := toRunRequest(msg, runs.TriggerCLI).Validate(); err != nil {
		return worker.ComputeRequest{}, err
	}
	return msg, nil
}

func toRunRequest(msg worker.ComputeRequest, trigger string) runs.Request {
	req := runs.Request{
		AggregateType: msg.AggregateType,
		Key:           msg.Key,
		Window:        msg.Window,
		Trigger:       trigger,
	}
	if msg.AsOf != nil {
		req.AsOf = *msg.AsOf
	}
	return req
}

func (a *app) execute(cmd *cobra.Command, msg worker.ComputeRequest) (err error) {
	ctx := cmd.Context()
	eng, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, eng.Close()) }()

	res, runErr := eng.Coordinator.Execute(ctx, toRunRequest(msg, runs.TriggerCLI))
	if res.RunID != uuid.Nil {
		if err := a.printJSON(res); err != nil {
			return err
		}
	}
	return runErr
}

func (a *app) enqueue(cmd *cobra.Command, msg worker.ComputeRequest) (err error) {
	ctx := cmd.Context()
	cfg, logg, err := a.load()
	if err != nil {
		return err
	}
	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, pubsub.RolePublisher, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, client.Close()) }()

	requestID, err := worker.Enqueue(ctx, client, msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "enqueued %s %s request_id=%s\n", msg.AggregateType, msg.Key, requestID)
	return err
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t.UTC(), nil
}
