// Package cli implements pulsectl, the operator tool for running
// computations, validating catalogs and importing events.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/pulse-engine/internal/bootstrap"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const serviceName = "pulsectl"

type app struct {
	out     io.Writer
	errOut  io.Writer
	envFile string
	cfg     *config.Config
	logg    *logger.Logger
}

// NewRootCommand builds the pulsectl command tree writing results to out
// and logs to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "pulsectl",
		Short:         "Operate the pulse aggregation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(
		a.computeCommand(),
		a.catalogCommand(),
		a.eventsCommand(),
		a.runsCommand(),
	)
	return root
}

// load reads configuration once; commands that never touch a backend skip it.
func (a *app) load() (*config.Config, *logger.Logger, error) {
	if a.cfg != nil {
		return a.cfg, a.logg, nil
	}
	if a.envFile != "" {
		_ = godotenv.Load(a.envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = serviceName
	a.cfg = cfg
	a.logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Output:      a.errOut,
	})
	return a.cfg, a.logg, nil
}

func (a *app) openEngine(ctx context.Context) (*bootstrap.Engine, error) {
	cfg, logg, err := a.load()
	if err != nil {
		return nil, err
	}
	return bootstrap.Open(ctx, cfg, logg, bootstrap.Options{})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
