package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relayforge/orchestrator/internal/agent"
	"github.com/relayforge/orchestrator/internal/agent/providers"
	"github.com/relayforge/orchestrator/internal/auth"
	"github.com/relayforge/orchestrator/internal/barrier"
	"github.com/relayforge/orchestrator/internal/config"
	"github.com/relayforge/orchestrator/internal/dispatch"
	"github.com/relayforge/orchestrator/internal/events"
	"github.com/relayforge/orchestrator/internal/jobs"
	"github.com/relayforge/orchestrator/internal/reaper"
	"github.com/relayforge/orchestrator/internal/runs"
	"github.com/relayforge/orchestrator/internal/supervisor"
	"github.com/relayforge/orchestrator/internal/threads"
	"github.com/relayforge/orchestrator/internal/tools/exec"
	"github.com/relayforge/orchestrator/internal/tools/files"
	"github.com/relayforge/orchestrator/internal/tools/subagent"
	"github.com/relayforge/orchestrator/internal/workerrunner"
)

type serveOptions struct {
	configPath string
	bundleRoot string
	debug      bool
}

// stores bundles every durable dependency runServe wires, so the
// Postgres/CockroachDB and in-memory branches of buildStores return one
// value each.
type stores struct {
	db      *sql.DB
	runs    runs.Store
	threads threads.Store
	jobs    jobs.Store
	barrier barrier.Store
	events  events.Store
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func runServe(ctx context.Context, opts serveOptions) error {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	defer st.Close()

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	registry := buildRegistry(st.jobs, opts.bundleRoot)
	bus := events.NewBus()
	emitter := events.NewEmitter(st.events, bus, logger.With("component", "events"))
	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)

	barrierStore := st.barrier
	supervisorSvc := supervisor.New(st.runs, st.threads, st.jobs, barrierStore, provider, registry, emitter, toSupervisorConfig(cfg.Supervisor), logger.With("component", "supervisor"))

	runner := workerrunner.NewRunner(st.jobs, provider, registry, opts.bundleRoot, emitter, logger.With("component", "worker"))
	runner = runner.WithBarrier(barrierStore, supervisorSvc)

	reap := reaper.New(barrierStore, st.jobs, supervisorSvc, toReaperConfig(cfg.Reaper))
	if err := reap.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer reap.Stop()

	disp := dispatch.New(st.jobs, runner, toDispatchConfig(cfg.Dispatcher), logger.With("component", "dispatch"))

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dispatchErrCh := make(chan error, 1)
	go func() { dispatchErrCh <- disp.Run(runCtx) }()

	mux := http.NewServeMux()
	registerHandlers(mux, supervisorSvc, st.runs, authSvc)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-runCtx.Done():
	case err := <-httpErrCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-dispatchErrCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("dispatcher: %w", err)
		}
	}

	logger.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("orchestrator stopped gracefully")
	return nil
}

// buildStores opens Postgres/CockroachDB-backed stores when
// database.url is configured, falling back to in-memory stores
// otherwise. internal/threads has no durable backend yet, so its store
// is always in-memory.
func buildStores(cfg *config.Config) (*stores, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return &stores{
			runs:    runs.NewMemoryStore(),
			threads: threads.NewMemoryStore(),
			jobs:    jobs.NewMemoryStore(),
			barrier: barrier.NewMemoryStore(),
			events:  events.NewMemoryStore(),
		}, nil
	}

	pool := runs.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}

	runStore, err := runs.NewCockroachStoreFromDSN(cfg.Database.URL, pool)
	if err != nil {
		return nil, fmt.Errorf("open runs store: %w", err)
	}
	jobStore, err := jobs.NewCockroachStoreFromDSN(cfg.Database.URL, jobs.DefaultCockroachConfig())
	if err != nil {
		return nil, fmt.Errorf("open jobs store: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), pool.ConnectTimeout)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &stores{
		db:      db,
		runs:    runStore,
		threads: threads.NewMemoryStore(),
		jobs:    jobStore,
		barrier: barrier.NewCockroachStore(db),
		events:  events.NewCockroachStore(db),
	}, nil
}

// buildProvider constructs the configured default LLM provider. Routing
// across more of llm.providers than these three backends is Non-goal
// territory for this entry point.
func buildProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	name := cfg.DefaultProvider
	if name == "" {
		name = "openai"
	}
	providerCfg := cfg.Providers[name]

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "google", "gemini":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported default llm provider %q", name)
	}
}

// buildRegistry assembles the tool set every supervisor and worker run
// shares: filesystem access, shell execution, and the worker hierarchy
// tools spawn_worker's contract and job status depend on.
func buildRegistry(jobStore jobs.Store, bundleRoot string) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()

	fileCfg := files.Config{Workspace: bundleRoot}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))

	execManager := exec.NewManager(bundleRoot)
	registry.Register(exec.NewProcessTool(execManager))

	registry.Register(subagent.NewWorkerTool())
	registry.Register(subagent.NewStatusTool(jobStore))

	return registry
}

func toSupervisorConfig(cfg config.SupervisorConfig) supervisor.Config {
	return supervisor.Config{
		MaxReactIterations:     cfg.MaxReactIterations,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		BarrierDeadline:        cfg.BarrierDeadline,
		RecentWorkerWindow:     cfg.RecentWorkerWindow,
		RecentWorkerMaxEntries:   cfg.RecentWorkerMaxEntries,
		StaleNoticeProtectWindow: cfg.StaleNoticeProtectWindow,
		RunTimeout:               cfg.RunTimeout,
		AttachURLBase:          cfg.AttachURLBase,
	}
}

func toReaperConfig(cfg config.ReaperConfig) reaper.Config {
	return reaper.Config{
		BarrierScanInterval: cfg.BarrierScanInterval,
		OrphanScanInterval:  cfg.OrphanScanInterval,
		OrphanCutoff:        cfg.OrphanCutoff,
	}
}

func toDispatchConfig(cfg config.DispatcherConfig) dispatch.Config {
	return dispatch.Config{
		PollInterval:        cfg.PollInterval,
		GlobalConcurrency:   cfg.GlobalConcurrency,
		PerOwnerConcurrency: cfg.PerOwnerConcurrency,
	}
}

// registerHandlers wires the HTTP surface for submitting tasks and
// polling their runs. Every request must carry a bearer token that
// resolves to the owner the task runs under.
func registerHandlers(mux *http.ServeMux, svc *supervisor.Service, runStore runs.Store, authSvc *auth.Service) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		owner, err := resolveOwner(authSvc, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		var body struct {
			AgentID string `json:"agent_id"`
			Task    string `json:"task"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Task) == "" {
			http.Error(w, "task is required", http.StatusBadRequest)
			return
		}
		if body.AgentID == "" {
			body.AgentID = "main"
		}

		run, err := svc.HandleUserMessage(r.Context(), owner, body.AgentID, body.Task)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		owner, err := resolveOwner(authSvc, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid run id", http.StatusBadRequest)
			return
		}
		run, err := runStore.Get(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if run.Owner != owner {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(run)
	})
}

// resolveOwner extracts the owner identity from the request's bearer
// token. With auth disabled (no jwt secret configured), the owner is
// taken verbatim from X-Owner-ID for local development.
func resolveOwner(authSvc *auth.Service, r *http.Request) (string, error) {
	if !authSvc.Enabled() {
		if owner := r.Header.Get("X-Owner-ID"); owner != "" {
			return owner, nil
		}
		return "", fmt.Errorf("auth disabled: X-Owner-ID header required")
	}
	return authSvc.OwnerFromAuthHeader(r.Header.Get("Authorization"))
}
