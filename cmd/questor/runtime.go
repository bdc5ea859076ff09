package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/askarian/questor/config"
	"github.com/askarian/questor/internal/engine"
	"github.com/askarian/questor/internal/queue/streams"
	"github.com/askarian/questor/internal/store"
	"github.com/askarian/questor/internal/telemetry"
	"github.com/askarian/questor/tools"
	"github.com/askarian/questor/tools/arxiv"
	"github.com/askarian/questor/tools/webfetch"
	"github.com/askarian/questor/tools/websearch"
	"github.com/askarian/questor/tools/wikipedia"
)

// buildRegistry assembles the tool adapters enabled by configuration.
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	var adapters []tools.Tool

	if cfg.Tools.WebSearch.Provider != "" {
		search, err := websearch.New(websearch.Provider(cfg.Tools.WebSearch.Provider), cfg.Tools.WebSearch.APIKey)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, search)
	}
	if cfg.Tools.Arxiv.Enabled {
		adapters = append(adapters, &arxiv.Search{BaseURL: cfg.Tools.Arxiv.BaseURL})
	}
	if cfg.Tools.Wikipedia.Enabled {
		adapters = append(adapters, &wikipedia.Search{BaseURL: cfg.Tools.Wikipedia.BaseURL})
	}
	if cfg.Tools.WebFetch.Enabled {
		adapters = append(adapters, &webfetch.Fetch{MaxChars: cfg.Tools.WebFetch.MaxChars})
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no tool adapters configured")
	}
	return tools.NewRegistry(adapters...)
}

// buildCoordinator wires the engine from configuration.
func buildCoordinator(cfg *config.Config, st *store.Store, events engine.TransitionPublisher, metrics *telemetry.Metrics) (*engine.Coordinator, error) {
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	planner := engine.NewHeuristicPlanner(registry, cfg.Tools.MaxResults)
	reflector := engine.NewHeuristicReflector(planner)
	executor := engine.NewExecutor(registry,
		log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: cfg.Engine.RetryMaxAttempts,
			BaseDelay:   cfg.Engine.RetryBaseDelay,
			MaxDelay:    cfg.Engine.RetryMaxDelay,
			Jitter:      cfg.Engine.RetryJitter,
		}),
		engine.WithStepTimeout(cfg.Engine.StepTimeout),
		engine.WithMaxConcurrent(cfg.Engine.MaxConcurrentSteps),
	)

	var opts []engine.CoordinatorOption
	if events != nil {
		opts = append(opts, engine.WithTransitionPublisher(events))
	}
	if metrics != nil {
		opts = append(opts, engine.WithMetrics(metrics))
	}

	return engine.NewCoordinator(st, registry, planner, reflector, executor,
		log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		engine.CoordinatorConfig{
			MaxQueryLength:    cfg.Engine.MaxQueryLength,
			MaxRevisions:      cfg.Engine.MaxRevisions,
			LivenessThreshold: cfg.Engine.LivenessThreshold,
		},
		opts...), nil
}

// openRedis connects the queue client and verifies it is reachable.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// openStreams builds the schema registry and publisher pair.
func openStreams(rdb *redis.Client) (*streams.SchemaRegistry, *streams.Publisher, error) {
	registry, err := streams.NewTaskSchemaRegistry()
	if err != nil {
		return nil, nil, err
	}
	return registry, streams.NewPublisher(rdb, registry), nil
}
