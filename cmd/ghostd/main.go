package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ghost/internal/api"
	"ghost/internal/background"
	"ghost/internal/config"
	"ghost/internal/llm"
	"ghost/internal/memory"
	"ghost/internal/observability"
	"ghost/internal/profile"
	"ghost/internal/reasoning"
	"ghost/internal/router"
	"ghost/internal/sandbox"
	"ghost/internal/scheduler"
	"ghost/internal/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load(".env.example")
	}

	root := &cobra.Command{
		Use:   "ghostd",
		Short: "Run the Ghost autonomous agent runtime",
		RunE:  run,
	}
	config.RegisterFlags(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	logLevel := "info"
	if cfg.Debug || cfg.Verbose {
		logLevel = "debug"
	}
	logPath := ""
	if cfg.Daemon {
		logPath = filepath.Join(cfg.GhostHome, "ghostd.log")
	}
	observability.InitLogger(logPath, logLevel)
	llm.ConfigureLogging(cfg.Verbose)
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("starting ghostd")

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName: "ghostd", OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing init failed, continuing without it")
	} else {
		defer shutdownTracing(context.Background())
	}

	if err := os.MkdirAll(cfg.GhostHome, 0o755); err != nil {
		return fmt.Errorf("fatal: cannot create ghost home %s: %w", cfg.GhostHome, err)
	}
	sandboxRoot := filepath.Join(cfg.GhostHome, "sandbox")
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		return fmt.Errorf("fatal: cannot create sandbox root: %w", err)
	}
	guard, err := sandbox.NewGuard(sandboxRoot)
	if err != nil {
		return fmt.Errorf("fatal: sandbox unavailable: %w", err)
	}

	proxyAddr := ""
	if cfg.Anonymous {
		proxyAddr = cfg.TorProxy
	}

	pools, err := buildPools(cfg, proxyAddr)
	if err != nil {
		return fmt.Errorf("fatal: could not build upstream node pools: %w", err)
	}
	rtr := router.New(router.Config{Pools: pools, ProxyAddr: proxyAddr})

	prof, err := profile.Open(filepath.Join(cfg.GhostHome, "profile.json"))
	if err != nil {
		return fmt.Errorf("fatal: profile store unusable: %w", err)
	}
	playbook, err := profile.OpenPlaybook(filepath.Join(cfg.GhostHome, "playbook.json"))
	if err != nil {
		return fmt.Errorf("fatal: playbook unusable: %w", err)
	}

	glue := &reasoning.RouterGlue{Router: rtr}

	var vectorStore *memory.VectorStore
	if !cfg.NoMemory {
		vectorStore, err = memory.NewVectorStore(context.Background(), envOrDefault("GHOST_QDRANT_DSN", "localhost:6334"), "ghost_memory", 1536)
		if err != nil {
			log.Warn().Err(err).Msg("vector memory unavailable, continuing without long-term recall")
			vectorStore = nil
		}
	}

	var scratchKV *memory.ScratchKV
	scratchKV, err = memory.NewScratchKV(envOrDefault("GHOST_REDIS_ADDR", "localhost:6379"), os.Getenv("GHOST_REDIS_PASSWORD"), 0, 0)
	if err != nil {
		log.Warn().Err(err).Msg("scratchpad store unavailable")
		scratchKV = nil
	}

	registry := buildRegistry(cfg, guard, glue, vectorStore, scratchKV, playbook, prof)

	loop := reasoning.NewLoop()
	loop.Router = rtr
	loop.BaseTools = registry
	loop.Glue = glue
	loop.Profile = prof
	loop.Playbook = playbook
	loop.Memory = vectorStore
	loop.Sandbox = guard
	loop.PlanningEnabled = true

	if cfg.SmartMemory > 0 {
		loop.Background = background.NewCoordinator(glue, glue, vectorStore, prof, playbook)
	}

	sched, err := scheduler.Open(filepath.Join(cfg.GhostHome, "scheduler.db"), func(ctx context.Context, prompt string) error {
		_, err := loop.Run(ctx, reasoning.Request{
			Messages:                []llm.Message{{Role: "user", Content: prompt}},
			Model:                   cfg.Model,
			BackgroundTasksDisabled: true,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("fatal: scheduler store unusable: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("fatal: scheduler failed to start: %w", err)
	}
	defer sched.Stop()

	srv := &api.Server{Loop: loop, APIKey: cfg.APIKey}
	mux := srv.NewMux()
	schedAdmin := &api.SchedulerAdmin{Scheduler: sched, APIKey: cfg.APIKey}
	schedAdmin.Register(mux)
	httpServer := &http.Server{Addr: cfg.Addr(), Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("ghostd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), requestShutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}

const requestShutdownTimeout = 15 * time.Second

func buildPools(cfg config.Config, proxyAddr string) (map[router.Class][]router.Node, error) {
	pools := map[router.Class][]router.Node{}
	addNode := func(class router.Class, spec config.NodeSpec) error {
		httpClient, err := router.HTTPClientFor(spec.URL, proxyAddr)
		if err != nil {
			return err
		}
		provider, err := newProvider(spec.Backend, cfg.APIKey, spec.URL, spec.Model, httpClient)
		if err != nil {
			return err
		}
		pools[class] = append(pools[class], router.Node{
			BaseURL: spec.URL, ModelLabel: spec.Model, Backend: spec.Backend, Provider: provider,
		})
		return nil
	}
	for class, raw := range cfg.ClassList() {
		for _, spec := range config.ParseNodeList(raw) {
			if err := addNode(class, spec); err != nil {
				return nil, err
			}
		}
	}
	if cfg.UpstreamURL != "" {
		if err := addNode(router.ClassMain, config.NodeSpec{URL: cfg.UpstreamURL, Model: cfg.Model, Backend: "openai"}); err != nil {
			return nil, err
		}
	}
	return pools, nil
}

// newProvider builds the upstream client for one node's configured backend.
// "openai" covers every OpenAI-compatible server (the default); "anthropic"
// and "gemini" speak their native wire formats via their own SDKs.
func newProvider(backend, apiKey, baseURL, model string, httpClient *http.Client) (llm.Provider, error) {
	switch backend {
	case "anthropic":
		return llm.NewAnthropic(apiKey, baseURL, model, httpClient), nil
	case "gemini":
		return llm.NewGemini(context.Background(), apiKey, baseURL, model, httpClient)
	default:
		return llm.NewOpenAI(apiKey, baseURL, model, httpClient), nil
	}
}

func buildRegistry(cfg config.Config, guard *sandbox.Guard, glue *reasoning.RouterGlue, vs *memory.VectorStore, kv *memory.ScratchKV, pb *profile.Playbook, prof *profile.Store) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewFileSystemTool(guard))
	reg.Register(tools.NewExecuteTool("code-sandbox", filepath.Join(guard.Root(), ".exec")))
	reg.Register(tools.NewSystemUtilityTool())
	reg.Register(tools.NewUpdateProfileTool(prof))
	search := tools.NewWebSearchTool(os.Getenv("GHOST_SEARXNG_URL"))
	reg.Register(search)
	reg.Register(tools.NewDeepResearchTool(search, glue))
	reg.Register(tools.NewFactCheckTool(search, glue))
	reg.Register(tools.NewReplanTool(glue))
	reg.Register(tools.NewDreamModeTool(glue))
	reg.Register(tools.NewSelfPlayTool(glue))
	reg.Register(tools.NewLearnSkillTool(pb, glue))

	if vs != nil {
		reg.Register(tools.NewKnowledgeBaseTool(vs, glue))
		reg.Register(tools.NewRecallTool(vs, glue))
	}
	if kv != nil {
		reg.Register(tools.NewScratchpadTool(kv))
	}
	if cfg.DefaultDB != "" {
		if pool, err := pgxpool.New(context.Background(), cfg.DefaultDB); err == nil {
			reg.Register(tools.NewPostgresAdminTool(pool))
		} else {
			log.Warn().Err(err).Msg("default_db_unavailable")
		}
	}
	if len(config.ParseNodeList(cfg.SwarmNodes)) > 0 {
		swarmDispatcher := background.NewSwarmDispatcher([]string{envOrDefault("GHOST_KAFKA_BROKERS", "localhost:9092")}, "ghost-swarm", 64)
		go swarmDispatcher.Run(context.Background())
		reg.Register(tools.NewDelegateToSwarmTool(swarmDispatcher))
	}
	if len(config.ParseNodeList(cfg.VisualNodes)) > 0 {
		reg.Register(tools.NewVisionAnalysisTool(glue))
	}
	return reg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
