package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

func (a *app) runsCommand() *cobra.Command {
	var (
		aggregateType string
		status        string
		limit         int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Read the run ledger",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			params := runs.ListParams{
				AggregateType: enums.AggregateType(strings.ToLower(aggregateType)),
				Status:        enums.RunStatus(strings.ToLower(status)),
				Limit:         pagination.NormalizeLimit(limit),
			}
			eng, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, eng.Close()) }()

			items, _, err := eng.Coordinator.List(cmd.Context(), params)
			if err != nil {
				return err
			}
			return writeRuns(a, items)
		},
	}
	list.Flags().StringVar(&aggregateType, "type", "", "filter by aggregate type")
	list.Flags().StringVar(&status, "status", "", "filter by run status")
	list.Flags().IntVar(&limit, "limit", pagination.DefaultLimit, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func writeRuns(a *app, items []models.ComputeRun) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tKEY\tSTATUS\tTRIGGER\tEVENTS\tCREATED\tERROR")
	for _, run := range items {
		errMsg := ""
		if run.Error != nil {
			errMsg = *run.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.AggregateType, run.Key, run.Status, run.Trigger,
			run.EventsScanned, run.CreatedAt.UTC().Format(time.RFC3339), errMsg)
	}
	return tw.Flush()
}
