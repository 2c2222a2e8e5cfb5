package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cscx-ai/agentd/internal/adapter/gateway"
	ahttp "github.com/cscx-ai/agentd/internal/adapter/http"
	"github.com/cscx-ai/agentd/internal/adapter/localtool"
	"github.com/cscx-ai/agentd/internal/adapter/mcptool"
	"github.com/cscx-ai/agentd/internal/adapter/memstore"
	anats "github.com/cscx-ai/agentd/internal/adapter/nats"
	"github.com/cscx-ai/agentd/internal/adapter/natskv"
	aotel "github.com/cscx-ai/agentd/internal/adapter/otel"
	"github.com/cscx-ai/agentd/internal/adapter/postgres"
	"github.com/cscx-ai/agentd/internal/adapter/ristretto"
	"github.com/cscx-ai/agentd/internal/adapter/tiered"
	"github.com/cscx-ai/agentd/internal/adapter/ws"
	"github.com/cscx-ai/agentd/internal/config"
	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/event"
	"github.com/cscx-ai/agentd/internal/domain/intent"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/logger"
	"github.com/cscx-ai/agentd/internal/middleware"
	"github.com/cscx-ai/agentd/internal/port/cache"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
	"github.com/cscx-ai/agentd/internal/port/modelprovider"
	"github.com/cscx-ai/agentd/internal/port/statestore"
	"github.com/cscx-ai/agentd/internal/port/toolexec"
	"github.com/cscx-ai/agentd/internal/resilience"
	"github.com/cscx-ai/agentd/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logClose := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logClose.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"tool_backend", cfg.Tools.Backend,
	)

	ctx := context.Background()

	// --- Telemetry ---

	providers, err := aotel.Setup(ctx, aotel.Config{
		Enabled:     cfg.Telemetry.Endpoint != "",
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Logging.Service,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := aotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- State store ---

	var store statestore.Store
	handlers := &ahttp.Handlers{}
	if cfg.Postgres.DSN == "" {
		slog.Warn("no postgres dsn configured, using in-memory state store")
		store = memstore.New()
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")

		store = postgres.NewStore(pool)
		handlers.DB = pool
	}

	// --- NATS + caches ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	var appCache cache.Cache = l1
	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		natsQueue, err := anats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := natsQueue.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
			_ = natsQueue.Close()
		}()

		if kv, err := natsQueue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL); err != nil {
			slog.Warn("nats kv unavailable, running with L1 cache only", "error", err)
		} else {
			appCache = tiered.New(l1, natskv.New(kv), cfg.Router.CacheTTL)
		}
		queue = natsQueue
		handlers.Queue = natsQueue
	} else {
		slog.Warn("no nats url configured, events stay process-local")
	}

	// --- Model gateway ---

	registry, err := tool.NewRegistry(tool.Builtins())
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	primary := gateway.NewClient("primary", cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.PrimaryModel, cfg.Gateway.Timeout)
	primary.SetToolCatalog(registry)
	var secondary modelprovider.Provider
	if cfg.Gateway.SecondaryModel != "" {
		sc := gateway.NewClient("secondary", cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.SecondaryModel, cfg.Gateway.Timeout)
		sc.SetToolCatalog(registry)
		secondary = sc
	}

	hub := ws.NewHub()
	breakers := resilience.NewRegistry(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)
	breakers.OnStateChange(breakerEvents(queue, hub, metrics))

	provider := service.NewFallbackProvider(primary, secondary, breakers)

	// --- Tool executor ---

	var exec toolexec.Executor
	switch cfg.Tools.Backend {
	case "mcp":
		mcpExec, err := mcptool.Connect(ctx, mcptool.ServerConfig{
			Transport: cfg.Tools.MCP.Transport,
			Command:   cfg.Tools.MCP.Command,
			Args:      cfg.Tools.MCP.Args,
			Env:       cfg.Tools.MCP.Env,
			URL:       cfg.Tools.MCP.URL,
			Headers:   cfg.Tools.MCP.Headers,
		})
		if err != nil {
			return fmt.Errorf("mcp tools: %w", err)
		}
		defer func() { _ = mcpExec.Close() }()
		exec = mcpExec
		slog.Info("tool backend connected", "backend", "mcp")
	default:
		exec = localtool.New()
	}

	// --- Approval policies ---

	policies := map[string]approval.Policy{"default": approval.DefaultPolicy()}
	if cfg.Approvals.PresetsFile != "" {
		policies, err = approval.LoadPresets(cfg.Approvals.PresetsFile)
		if err != nil {
			return fmt.Errorf("approval presets: %w", err)
		}
	}
	if _, ok := policies[cfg.Approvals.Preset]; !ok {
		return fmt.Errorf("approval preset %q not defined", cfg.Approvals.Preset)
	}

	// --- Services ---

	esc, err := risk.NewEscalator(risk.DefaultRules())
	if err != nil {
		return fmt.Errorf("risk rules: %w", err)
	}
	signals, err := intent.NewSignals(intent.DefaultSignalRules())
	if err != nil {
		return fmt.Errorf("signal rules: %w", err)
	}

	runner := service.NewToolRunner(registry, exec, breakers)
	runner.SetMetrics(metrics)

	planner := service.NewPlannerService(provider, registry, cfg.Execution)

	executions := service.NewExecutionService(store, planner, runner, registry, esc,
		service.NewPool(cfg.Execution.PoolSize), cfg.Execution, cfg.Approvals.Expiry)
	executions.SetEventSinks(queue, hub)
	executions.SetMetrics(metrics)

	intents := service.NewIntentService(provider, appCache, signals, cfg.Router)
	intents.SetEventSinks(queue, hub)
	intents.SetMetrics(metrics)

	sessions := service.NewSessionService(provider, runner, registry, esc)

	// --- HTTP ---

	handlers.Intent = intents
	handlers.Executions = executions
	handlers.Sessions = sessions
	handlers.Breakers = breakers
	handlers.Policies = policies
	handlers.Preset = cfg.Approvals.Preset
	handlers.IdemCache = appCache

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(ahttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ahttp.Logger)
	r.Use(ahttp.SecurityHeaders)
	r.Use(chimw.Recoverer)
	r.Use(aotel.HTTPMiddleware(cfg.Logging.Service))

	// The websocket endpoint stays outside the request timeout.
	r.Get("/api/v1/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(90 * time.Second))
		ahttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// breakerEvents returns the state-change hook that turns breaker
// transitions into logs, metrics, and published events.
func breakerEvents(queue messagequeue.Queue, hub *ws.Hub, metrics *aotel.Metrics) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		slog.Info("breaker state changed", "dependency", name, "from", from, "to", to)

		if metrics != nil && metrics.BreakerTransitions != nil {
			metrics.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("dependency", name),
				attribute.String("to", string(to)),
			))
		}

		payload, err := json.Marshal(messagequeue.BreakerStatePayload{
			Dependency: name,
			From:       string(from),
			To:         string(to),
		})
		if err != nil {
			return
		}
		env := event.Envelope{
			ID:        uuid.NewString(),
			Type:      event.TypeBreakerStateChanged,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		if queue != nil {
			data, err := json.Marshal(env)
			if err == nil {
				if err := queue.Publish(context.Background(), string(event.TypeBreakerStateChanged), data); err != nil {
					slog.Warn("breaker event publish failed", "error", err)
				}
			}
		}
		if hub != nil {
			hub.Broadcast(context.Background(), env)
		}
	}
}
