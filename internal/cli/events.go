package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/pkg/storage/gcs"
)

func (a *app) eventsCommand() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage the event log",
	}
	importCmd := &cobra.Command{
		Use:   "import <file.jsonl|gs://bucket/object.jsonl>",
		Short: "Append JSONL events to the configured event store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			eng, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, eng.Close()) }()

			f, err := a.openSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := eventstore.Import(cmd.Context(), eng.Events.Store, f, batch)
			if err != nil {
				return fmt.Errorf("imported %d events before failing: %w", n, err)
			}
			_, err = fmt.Fprintf(a.out, "imported %d events into %s\n", n, eng.Events.Kind)
			return err
		},
	}
	importCmd.Flags().IntVar(&batch, "batch", 500, "events per append call")
	cmd.AddCommand(importCmd)
	return cmd
}

func (a *app) openSource(ctx context.Context, path string) (io.ReadCloser, error) {
	if !gcs.IsURI(path) {
		return os.Open(path)
	}
	cfg, logg, err := a.load()
	if err != nil {
		return nil, err
	}
	client, err := gcs.NewClient(ctx, cfg.GCP, logg)
	if err != nil {
		return nil, err
	}
	return client.OpenURI(ctx, path)
}
