package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/askarian/questor/config"
	"github.com/askarian/questor/internal/queue/streams"
	"github.com/askarian/questor/internal/store"
	"github.com/askarian/questor/internal/telemetry"
	"github.com/askarian/questor/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var metricsAddr string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker consuming the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches . and ./config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "metrics listen address (empty disables)")
	return cmd
}

func runWorker(cfg *config.Config, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer st.DB.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := streams.EnsureGroup(ctx, rdb, streams.StreamTasks, streams.GroupWorkers); err != nil {
		return err
	}
	registry, publisher, err := openStreams(rdb)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	events := &streams.TransitionPublisher{Publisher: publisher, MaxLen: cfg.Redis.StreamMaxLen}
	coord, err := buildCoordinator(cfg, st, events, metrics)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
		go func() {
			if err := e.Start(metricsAddr); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}

	// Unfinished tasks from a previous worker generation are picked back up
	// before new ones are consumed.
	if err := coord.Resume(ctx); err != nil {
		logger.Printf("warn: resume unfinished tasks failed: %v", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, streams.GroupWorkers, consumerName)
	processor := worker.NewProcessor(logger, coord, st, consumer,
		worker.WithMaxTasks(cfg.Engine.WorkerMaxTasks))

	return processor.Start(ctx)
}
