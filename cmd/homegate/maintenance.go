package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/homegate/internal/automation"
	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/health"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/database"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/infrastructure/redis"
)

var (
	sweepTimeout time.Duration

	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark silent devices offline once and exit",
	Long: `Runs a single liveness sweep against the database, for deployments that
drive sweeps from cron instead of the in-process timer. Offline records are
published to Redis when it is enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSweep(cmd.Context(), cmd)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune-history",
	Short: "Delete entity state history older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPrune(cmd.Context(), cmd)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check-automations FILE",
	Short: "Validate an automations file without touching the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := automation.LoadRules(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range rules.Scenes {
			fmt.Fprintf(out, "scene %s\t%s\t%d commands\n", s.ID, s.Name, len(s.Actions))
		}
		defs := rules.Automations
		for _, a := range defs {
			state := "enabled"
			if !a.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%d triggers\t%d actions\n", a.ID, a.Name, state, len(a.Triggers), len(a.Actions))
		}
		fmt.Fprintf(out, "%d automations ok\n", len(defs))
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 0, "liveness timeout (default from config)")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "delete records older than this")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "count matching records without deleting")

	rootCmd.AddCommand(sweepCmd, pruneCmd, checkCmd)
}

// openForMaintenance loads config and opens the migrated database.
func openForMaintenance(ctx context.Context) (*config.Config, *database.DB, *logging.Logger, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, log, nil
}

func runSweep(ctx context.Context, cmd *cobra.Command) error {
	cfg, db, log, err := openForMaintenance(ctx)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly, nothing to flush

	devices := device.NewRegistry(device.NewSQLiteStore(db.DB))
	devices.SetLogger(log.Component("device"))
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}

	bus := events.NewBus()
	bus.SetLogger(log.Component("events"))
	if cfg.Redis.Enabled {
		pub := redis.NewPublisher(redis.NewClient(cfg.Redis))
		defer pub.Close() //nolint:errcheck // process exits next
		bus.AddSink(pub)
	}

	monitor := health.NewMonitor(devices, bus, health.Config{Timeout: cfg.HealthTimeout()})
	monitor.SetLogger(log.Component("health"))

	offline := monitor.Sweep(ctx, time.Now(), sweepTimeout)
	out := cmd.OutOrStdout()
	for _, ev := range offline {
		fmt.Fprintf(out, "offline\t%s\t%s\n", ev.DeviceID, ev.Identity.DeviceKey())
	}
	fmt.Fprintf(out, "%d devices marked offline\n", len(offline))
	return nil
}

func runPrune(ctx context.Context, cmd *cobra.Command) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	_, db, log, err := openForMaintenance(ctx)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // single statement, already committed

	store := device.NewSQLiteStore(db.DB)
	cutoff := time.Now().Add(-pruneOlderThan)

	if pruneDryRun {
		n, err := store.CountHistoryBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d records before %s would be deleted\n", n, cutoff.UTC().Format(time.RFC3339))
		return nil
	}

	n, err := store.PruneHistory(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Info("state history pruned", "deleted", n, "before", cutoff)
	fmt.Fprintf(cmd.OutOrStdout(), "%d records deleted\n", n)
	return nil
}
