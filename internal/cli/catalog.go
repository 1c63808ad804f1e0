package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/env"
)

func (a *app) catalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect segment and funnel definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Check a catalog file and report every problem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := env.Get(config.EnvCatalogPath, "catalog.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			c, err := catalog.Load(path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "%s: %d segments (%d active), %d funnels\n",
				path, len(c.Segments), len(c.ActiveSegments()), len(c.Funnels))
			return err
		},
	})
	return cmd
}
