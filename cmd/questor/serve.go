package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/askarian/questor/config"
	"github.com/askarian/questor/internal/engine"
	"github.com/askarian/questor/internal/queue/streams"
	"github.com/askarian/questor/internal/server"
	"github.com/askarian/questor/internal/store"
	"github.com/askarian/questor/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches . and ./config)")
	return serve
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(log.Writer(), "[SERVE] ", log.LstdFlags)

	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer st.DB.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	var (
		dispatcher server.Dispatcher
		events     *streams.TransitionPublisher
	)
	switch cfg.Server.Dispatch {
	case "queue":
		rdb, err := openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := streams.EnsureGroup(ctx, rdb, streams.StreamTasks, streams.GroupWorkers); err != nil {
			return err
		}
		_, publisher, err := openStreams(rdb)
		if err != nil {
			return err
		}
		dispatcher = &server.QueueDispatcher{Publisher: publisher}
		events = &streams.TransitionPublisher{Publisher: publisher, MaxLen: cfg.Redis.StreamMaxLen}
	case "local":
		// wired below once the coordinator exists
	}

	var eventSink engine.TransitionPublisher
	if events != nil {
		eventSink = events
	}
	coord, err := buildCoordinator(cfg, st, eventSink, metrics)
	if err != nil {
		return err
	}

	if cfg.Server.Dispatch == "local" {
		dispatcher = &server.LocalDispatcher{Runner: coord, Logger: logger}
		// Without a worker fleet this process owns unfinished tasks.
		if err := coord.Resume(ctx); err != nil {
			logger.Printf("warn: resume unfinished tasks failed: %v", err)
		}
	}

	e := server.New(coord, dispatcher, log.New(log.Writer(), "[HTTP] ", log.LstdFlags))

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Server.Address)
		errCh <- e.Start(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
