package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/migrate"
)

func main() {
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "up|down|status|to|create|validate|auto")
	dir := flag.String("dir", "", "migrations directory (empty uses the embedded set; create defaults to "+migrate.DefaultDir+")")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=to")
	flag.Parse()

	if err := run(*cmd, *dir, *name, *version); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", *cmd, err)
		os.Exit(1)
	}
}

func run(cmd, dir, name, version string) error {
	// Offline commands never need config or a database.
	switch cmd {
	case "create":
		if name == "" {
			return fmt.Errorf("missing -name")
		}
		if dir == "" {
			dir = migrate.DefaultDir
		}
		path, err := migrate.NewMigrationFile(dir, name, time.Now())
		if err != nil {
			return err
		}
		fmt.Println("created", path)
		return nil
	case "validate":
		source, err := migrate.Source(dir)
		if err != nil {
			return err
		}
		if err := migrate.Validate(source); err != nil {
			return err
		}
		fmt.Println("migrations valid")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":    cfg.App.Env,
		"cmd":    cmd,
		"driver": cfg.DB.Driver,
	})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer client.Close()

	// SQL files target postgres; sqlite schemas come from the models.
	if cmd == "auto" || cfg.DB.IsSQLite() {
		if cmd != "up" && cmd != "auto" {
			return fmt.Errorf("not supported for %s", cfg.DB.Driver)
		}
		if err := migrate.AutoMigrate(ctx, client); err != nil {
			return err
		}
		logg.Info(ctx, "schema migrated from models")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extract sql.DB: %w", err)
	}
	source, err := migrate.Source(dir)
	if err != nil {
		return err
	}
	runner, err := migrate.NewRunner(sqlDB, source)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		steps, err := runner.Up(ctx)
		printSteps(os.Stdout, steps)
		return err
	case "down":
		step, err := runner.Down(ctx)
		if err != nil {
			return err
		}
		printSteps(os.Stdout, []migrate.Step{step})
		return nil
	case "to":
		target, err := migrate.ParseVersion(version)
		if err != nil {
			return err
		}
		steps, err := runner.To(ctx, target)
		printSteps(os.Stdout, steps)
		return err
	case "status":
		statuses, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(os.Stdout, statuses)
		return nil
	default:
		return fmt.Errorf("unknown command")
	}
}

func printSteps(out io.Writer, steps []migrate.Step) {
	if len(steps) == 0 {
		fmt.Fprintln(out, "schema already at target version")
		return
	}
	for _, step := range steps {
		fmt.Fprintf(out, "%-4s %d %s (%s)\n", step.Direction, step.Version, step.Path, step.Duration.Round(time.Millisecond))
	}
}

func printStatus(out io.Writer, statuses []migrate.Status) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tAPPLIED AT\tFILE")
	for _, st := range statuses {
		appliedAt := "-"
		if st.Applied {
			appliedAt = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\n", st.Version, st.Applied, appliedAt, st.Path)
	}
	_ = tw.Flush()
}
