package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dshills/agentflow/internal/config"
	"github.com/dshills/agentflow/internal/recommend"
	"github.com/dshills/agentflow/internal/tracing"
	"github.com/dshills/agentflow/workflow"
	"github.com/dshills/agentflow/workflow/agent"
	"github.com/dshills/agentflow/workflow/agent/anthropic"
	"github.com/dshills/agentflow/workflow/agent/google"
	"github.com/dshills/agentflow/workflow/agent/openai"
	"github.com/dshills/agentflow/workflow/catalog"
	"github.com/dshills/agentflow/workflow/emit"
	"github.com/dshills/agentflow/workflow/events"
	"github.com/dshills/agentflow/workflow/store"
)

// runtime is every long-lived component a command needs, wired from
// configuration.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	router   *agent.Router
	tracing  *tracing.Provider
	promReg  *prometheus.Registry
	metrics  *workflow.Metrics
	engine   *workflow.Engine
	registry *workflow.Registry
	catalog  *catalog.Service
	pool     *workflow.Pool
	orch     *workflow.Orchestrator

	// recommendations shares the store, so records requested by one
	// process can be settled by another.
	recommendations recommend.Repository

	// Exactly one of broker and redis is set.
	broker *events.Broker
	redis  *redis.Client
	sink   workflow.EventSink

	closers []func() error
}

// newRuntime wires a runtime. Agents are only built when withAgents is set,
// so administrative commands work without provider credentials.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, withAgents bool) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, router: agent.NewRouter()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if rt.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}
	rt.recommendations = recommend.NewStoreRepository(rt.store)

	if withAgents {
		if err = rt.registerAgents(ctx); err != nil {
			return nil, err
		}
	}

	if rt.tracing, err = tracing.NewProvider(ctx, cfg.Tracing, os.Stderr); err != nil {
		return nil, err
	}

	rt.promReg = prometheus.NewRegistry()
	rt.metrics = workflow.NewMetrics(rt.promReg)
	if !cfg.Metrics.Enabled {
		rt.metrics.Disable()
	}

	var emitter emit.Emitter = emit.NewSlogEmitter(logger)
	if rt.tracing.Enabled() {
		emitter = emit.MultiEmitter{emitter, emit.NewOTelEmitter(rt.tracing.Tracer())}
	}

	rt.engine, err = workflow.NewEngine(rt.router,
		workflow.WithEmitter(emitter),
		workflow.WithMetrics(rt.metrics),
		workflow.WithLogger(logger),
		workflow.WithStepTimeout(cfg.Engine.StepTimeout),
	)
	if err != nil {
		return nil, err
	}
	rt.registry, err = workflow.NewRegistry(rt.engine,
		workflow.WithLogger(logger),
		workflow.WithMetrics(rt.metrics),
	)
	if err != nil {
		return nil, err
	}
	rt.catalog = catalog.NewService(rt.store, rt.registry,
		catalog.WithCacheTTL(cfg.Catalog.CacheTTL),
		catalog.WithLogger(logger),
	)

	rt.pool = workflow.NewPool(cfg.Pool.MaxWorkers, cfg.Pool.QueueSize).
		WithMetrics(rt.metrics).
		WithLogger(logger)
	rt.orch, err = workflow.NewOrchestrator(rt.registry, rt.store,
		workflow.WithPool(rt.pool),
		workflow.WithEmitter(emitter),
		workflow.WithMetrics(rt.metrics),
		workflow.WithLogger(logger),
		workflow.WithExecutionTimeout(cfg.Engine.ExecutionTimeout),
	)
	if err != nil {
		return nil, err
	}

	switch cfg.Events.Driver {
	case "redis":
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		rt.sink = events.NewRedisSink(rt.redis,
			events.WithChannel(cfg.Events.RedisChannel),
			events.WithHistory(cfg.Events.History),
		)
	default:
		rt.broker = events.NewBroker(events.DefaultBuffer, logger)
		rt.sink = rt.broker
	}
	return rt, nil
}

// recommendConsumer settles the recommendations stored in rt's backend.
func (rt *runtime) recommendConsumer() *recommend.Consumer {
	return recommend.NewConsumer(rt.recommendations, recommend.LoggingOutfitCreator{Logger: rt.logger}, rt.logger)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mysql":
		s, err := store.NewMySQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (rt *runtime) registerAgents(ctx context.Context) error {
	for _, ref := range rt.cfg.AgentRefs() {
		ac := rt.cfg.Agents[ref]
		model, err := rt.newChatModel(ctx, ref, ac)
		if err != nil {
			return err
		}
		if err := rt.router.Register(ref, agent.Profile{Model: model, SystemPrompt: ac.SystemPrompt}); err != nil {
			return err
		}
	}
	return nil
}

func (rt *runtime) newChatModel(ctx context.Context, ref string, ac config.AgentConfig) (agent.ChatModel, error) {
	if ac.Provider == "mock" {
		return agent.NewMockChatModel(ac.Reply), nil
	}

	key := ac.APIKey()
	if key == "" {
		return nil, fmt.Errorf("agent %s: no API key for provider %s", ref, ac.Provider)
	}
	switch ac.Provider {
	case "anthropic":
		return anthropic.NewChatModel(key, ac.Model), nil
	case "openai":
		return openai.NewChatModel(key, ac.Model), nil
	case "google":
		m, err := google.NewChatModel(ctx, key, ac.Model)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ref, err)
		}
		rt.closers = append(rt.closers, m.Close)
		return m, nil
	default:
		return nil, fmt.Errorf("agent %s: unknown provider %q", ref, ac.Provider)
	}
}

// Close stops the orchestrator's pool and releases every backend. Running
// executions get until ctx is done to finish.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.pool != nil {
		if err := rt.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if rt.broker != nil {
		rt.broker.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if rt.tracing != nil {
		if err := rt.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	for _, c := range rt.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
