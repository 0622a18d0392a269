package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohans/jobgate"
	"github.com/mohans/jobgate/coord"
	"github.com/mohans/jobgate/metrics"
	"github.com/mohans/jobgate/ops"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func buildServeCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run tracking workers, the stale sweep and the ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, log := rt.cfg, rt.logger

	if err := rt.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	c := rt.coordinator(collector)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer c.Close()

	cache := coord.NewCache(cfg.Coordination.CacheSize, cfg.Coordination.TaskTTL)
	defer c.Subscribe(cache.Apply)()

	arch, db, err := rt.openArchive(ctx)
	if err != nil {
		return err
	}
	if arch != nil {
		defer db.Close()
		defer c.Subscribe(arch.Listener())()
		go arch.Run(ctx)
		log.Info("archive enabled", "driver", cfg.Archive.Driver)
	}

	var sweeper *coord.Sweeper
	if cfg.Sweep.Enabled {
		sweeper, err = coord.NewSweeper(c, cfg.Sweep.Schedule, cfg.Sweep.MaxAge, cfg.Sweep.Timeout)
		if err != nil {
			return err
		}
		sweeper.Start()
	}

	processor := jobgate.NewProcessor(rt.asynqOpt(), c, jobgate.PollResult(c, cfg.Worker.PollInterval), jobgate.ProcessorConfig{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Worker.Queue: 1},
		Logger:      log,
	})
	if err := processor.Start(nil); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           ops.NewRouter(ops.PingerFunc(func(ctx context.Context) error { return rt.rdb.Ping(ctx).Err() }), c, cache, collector.Handler(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	log.Info("jobgate started", "redis", cfg.Redis.Addr, "ops_addr", cfg.Ops.Addr, "queue", cfg.Worker.Queue, "pid", os.Getpid())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-srvErr:
		runErr = fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", "error", err)
	}
	processor.Shutdown()
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	log.Info("jobgate stopped")
	return runErr
}
