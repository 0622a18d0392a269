// Command jobgate runs the job coordination worker and offers operator
// commands against the shared Redis store.
//
//	jobgate serve                  # tracking workers, sweeper, ops HTTP server
//	jobgate submit --user u1 --prompt "a cat"
//	jobgate task get <taskId>
//	jobgate active <userId>
//	jobgate release <userId>
//	jobgate history <userId>       # requires an archive database
//	jobgate sweep                  # one stale-record sweep, then exit
//
// Settings come from --config (YAML) and JOBGATE_* environment variables.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/mohans/jobgate/archive"
	"github.com/mohans/jobgate/config"
	"github.com/mohans/jobgate/coord"
	"github.com/mohans/jobgate/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// runtime is what every subcommand needs: settings, a logger and the store.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    *redis.Client
}

func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "jobgate",
		Short: "Single-active-job coordination for image generation workers",
		Long: `jobgate keeps every user to one in-flight image generation job across
all processes that share a Redis instance, and tracks each job to completion
with asynq workers.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	open := func(cmd *cobra.Command) (*runtime, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return &runtime{cfg: cfg, logger: log, rdb: rdb}, nil
	}

	rootCmd.AddCommand(buildServeCommand(open))
	rootCmd.AddCommand(buildSubmitCommand(open))
	rootCmd.AddCommand(buildTaskCommand(open))
	rootCmd.AddCommand(buildActiveCommand(open))
	rootCmd.AddCommand(buildReleaseCommand(open))
	rootCmd.AddCommand(buildHistoryCommand(open))
	rootCmd.AddCommand(buildSweepCommand(open))
	return rootCmd
}

type opener func(cmd *cobra.Command) (*runtime, error)

func (rt *runtime) close() {
	rt.rdb.Close()
}

func (rt *runtime) coordinator(rec coord.Recorder) *coord.Coordinator {
	return coord.New(rt.rdb, coord.Options{
		TaskTTL: rt.cfg.Coordination.TaskTTL,
		LockTTL: rt.cfg.Coordination.LockTTL,
		Sweep: coord.SweepOptions{
			BatchSize:     rt.cfg.Sweep.BatchSize,
			MaxKeys:       rt.cfg.Sweep.MaxKeys,
			KeysPerSecond: rt.cfg.Sweep.KeysPerSecond,
		},
		Logger:   rt.logger,
		Recorder: rec,
	})
}

func (rt *runtime) asynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	}
}

// openArchive returns nil when no archive database is configured.
func (rt *runtime) openArchive(ctx context.Context) (*archive.Archive, *sql.DB, error) {
	driver := rt.cfg.Archive.Driver
	if driver == "" {
		return nil, nil, nil
	}
	if driver != "postgres" && driver != "sqlite" {
		return nil, nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	db, err := sql.Open(driver, rt.cfg.Archive.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	a := archive.New(db, driver, rt.logger)
	if err := a.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return a, db, nil
}
