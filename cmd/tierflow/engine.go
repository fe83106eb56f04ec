package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/tierflow/pkg/config"
	"github.com/Mindburn-Labs/tierflow/pkg/eventbus"
	"github.com/Mindburn-Labs/tierflow/pkg/index"
	"github.com/Mindburn-Labs/tierflow/pkg/monitor"
	"github.com/Mindburn-Labs/tierflow/pkg/observability"
	"github.com/Mindburn-Labs/tierflow/pkg/policy"
	"github.com/Mindburn-Labs/tierflow/pkg/ratelimit"
	"github.com/Mindburn-Labs/tierflow/pkg/routine"
	"github.com/Mindburn-Labs/tierflow/pkg/sandbox"
	"github.com/Mindburn-Labs/tierflow/pkg/store"
	"github.com/Mindburn-Labs/tierflow/pkg/tier"
	"github.com/Mindburn-Labs/tierflow/pkg/tier1"
	"github.com/Mindburn-Labs/tierflow/pkg/tier2"
	"github.com/Mindburn-Labs/tierflow/pkg/tier3"
)

// engine is the fully wired process: bus, limiter, stores and the three
// tiers, plus the monitor watching them.
type engine struct {
	logger      *slog.Logger
	telemetry   *observability.Provider
	bus         *eventbus.Bus
	limiter     *ratelimit.Limiter
	coordinator *tier1.Coordinator
	runs        *tier2.Orchestrator
	monitor     *monitor.Monitor

	closers []func(context.Context) error
}

// newLimiter picks the Redis token-bucket store when REDIS_ADDR is set and
// the in-process store otherwise.
func newLimiter(cfg *config.Config, client *redis.Client, logger *slog.Logger) *ratelimit.Limiter {
	var st ratelimit.Store = ratelimit.NewMemoryStore()
	if client != nil {
		st = ratelimit.NewRedisStore(client)
	}
	return ratelimit.New(st,
		ratelimit.WithLimits(cfg.Tuning.RateLimits),
		ratelimit.WithCosts(cfg.Tuning.Costs),
		ratelimit.WithLogger(logger.With("component", "ratelimit")))
}

func newRedisClient(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}

func newEngine(ctx context.Context, cfg *config.Config, routines routine.Loader, logger *slog.Logger) (_ *engine, err error) {
	e := &engine{logger: logger}
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Endpoint = cfg.OTLPEndpoint
	otelCfg.Enabled = cfg.TelemetryEnabled
	e.telemetry, err = observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	e.closers = append(e.closers, e.telemetry.Shutdown)

	client := newRedisClient(cfg)
	var idx *index.Manager
	if client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		e.closers = append(e.closers, func(context.Context) error { return client.Close() })
		idx = index.NewManager(client, index.WithPrefix("tierflow"), index.WithLogger(logger.With("component", "index")))
	}

	e.limiter = newLimiter(cfg, client, logger)
	e.bus = eventbus.New(
		eventbus.WithRateLimiter(e.limiter),
		eventbus.WithLogger(logger.With("component", "event-bus")),
		eventbus.WithMeter(e.telemetry.Meter()),
	)
	if err := e.bus.Start(ctx); err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	e.closers = append(e.closers, e.bus.Stop)

	e.monitor = monitor.New(cfg.Tuning.Monitor,
		monitor.WithLogger(logger.With("component", "resource-monitor")),
		monitor.WithMeter(e.telemetry.Meter()))
	if err := e.monitor.Subscribe(e.bus); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { e.monitor.Close(); return nil })

	var runStore store.RunStore = store.NewMemoryRunStore()
	if driver := cfg.DatabaseDriver(); driver != "" {
		dsn := cfg.DatabaseURL
		if driver == "sqlite" {
			dsn = cfg.SQLiteDSN()
		}
		sqlStore, err := store.Open(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return sqlStore.Close() })
		runStore = sqlStore
	}

	modules := sandbox.NewModuleRegistry()
	if n, err := modules.LoadDir(filepath.Join(cfg.DataDir, "modules")); err != nil {
		return nil, fmt.Errorf("wasm modules: %w", err)
	} else if n > 0 {
		logger.Info("wasm modules loaded", "count", n)
	}
	sb := sandbox.NewWASISandbox(modules)
	e.closers = append(e.closers, sb.Close)

	gate, err := policy.NewGate(policy.DefaultGateRules()...)
	if err != nil {
		return nil, fmt.Errorf("security gate: %w", err)
	}
	tools := tier3.NewToolRegistry()
	for _, t := range builtinTools() {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}

	h := tier.NewHarness(
		tier.WithPublisher(e.bus),
		tier.WithLogger(logger.With("component", "tier")),
		tier.WithTelemetry(e.telemetry),
	)
	steps := tier3.New(h, tier3.WithGate(gate), tier3.WithTools(tools), tier3.WithSandbox(sb))
	e.runs = tier2.New(h, steps, routines,
		tier2.WithRunStore(runStore),
		tier2.WithIndex(idx),
		tier2.WithDefaultTimeout(cfg.RunTimeout),
		tier2.WithLogger(logger.With("component", "run-orchestrator")))
	e.coordinator = tier1.New(h, e.runs,
		tier1.WithIndex(idx),
		tier1.WithMaxConcurrentRuns(cfg.Tuning.MaxConcurrentRuns),
		tier1.WithLogger(logger.With("component", "swarm-coordinator")))
	if err := e.coordinator.Subscribe(e.bus); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func(context.Context) error { e.coordinator.Close(); return nil })
	return e, nil
}

// Close releases everything in reverse construction order.
func (e *engine) Close(ctx context.Context) {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("shutdown incomplete", "error", err)
	}
}

// builtinTools are the tools every process offers.
func builtinTools() []tier3.Tool {
	return []tier3.Tool{
		{
			Name:        "echo",
			Description: "Returns its params merged over the outputs of earlier steps",
			Credits:     1,
			Fn: func(_ context.Context, params, inputs map[string]any) (tier3.ToolResult, error) {
				out := make(map[string]any, len(params)+len(inputs))
				for k, v := range inputs {
					out[k] = v
				}
				for k, v := range params {
					out[k] = v
				}
				return tier3.ToolResult{Output: out}, nil
			},
		},
		{
			Name:        "fail",
			Description: "Always fails with the given message",
			Schema:      `{"type":"object","required":["message"],"properties":{"message":{"type":"string"}}}`,
			Fn: func(_ context.Context, params, _ map[string]any) (tier3.ToolResult, error) {
				return tier3.ToolResult{}, fmt.Errorf("%v", params["message"])
			},
		},
	}
}
