package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketmind/pocketmind/internal/agent"
	"github.com/pocketmind/pocketmind/internal/channels"
	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/internal/gateway"
	"github.com/pocketmind/pocketmind/internal/identity"
	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/internal/memory"
	"github.com/pocketmind/pocketmind/internal/observability"
	"github.com/pocketmind/pocketmind/internal/scheduler"
	"github.com/pocketmind/pocketmind/internal/selfcheck"
	"github.com/pocketmind/pocketmind/internal/sessions"
	"github.com/pocketmind/pocketmind/internal/skills"
	"github.com/pocketmind/pocketmind/internal/tools"
	"github.com/pocketmind/pocketmind/internal/voice"
	"github.com/pocketmind/pocketmind/pkg/models"
)

const shutdownGrace = 15 * time.Second

// runServe wires the whole runtime together and blocks until a signal
// arrives, then shuts everything down in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.DataDir, cfg.MediaDir(), filepath.Join(cfg.DataDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	endpoints, err := config.LoadEndpoints(cfg.EndpointsFile)
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}

	metrics := observability.NewMetrics()

	llmClient, err := llm.New(endpoints,
		llm.WithLogger(logger),
		llm.WithStatePath(cfg.CooldownStatePath()),
		llm.WithObserver(func(endpoint string, duration time.Duration, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.LLMRequests.WithLabelValues(endpoint, status).Inc()
			metrics.LLMRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
		}))
	if err != nil {
		return fmt.Errorf("build llm pool: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Endpoint file edits take effect without a restart; cooldown state
	// of unchanged endpoints survives the swap.
	if err := config.Watch(ctx, cfg.EndpointsFile, logger, func(file *config.EndpointsFile) {
		if err := llmClient.Reload(file); err != nil {
			logger.Error("endpoint reload rejected", "error", err)
		}
	}); err != nil {
		logger.Warn("endpoint hot-reload unavailable", "error", err)
	}

	identityStore := identity.NewStore(cfg.IdentityDir, logger)
	if err := identityStore.Materialize(); err != nil {
		return fmt.Errorf("materialize identity: %w", err)
	}

	memStore, err := memory.OpenStore(cfg.MemoryDBPath(), memory.WithStoreLogger(logger))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memStore.Close()

	memManager := memory.NewManager(memStore,
		memory.WithLLM(llmClient),
		memory.WithLogger(logger),
		memory.WithIdentityDir(cfg.IdentityDir),
		memory.WithTokenBudget(cfg.Memory.ContextTokenBudget),
		memory.WithRealtimeExtraction(cfg.Memory.RealtimeExtraction))

	// Tasks and flushed sessions share one runtime database.
	runtimeDB, err := sql.Open("sqlite", cfg.SchedulerDBPath())
	if err != nil {
		return fmt.Errorf("open scheduler db: %w", err)
	}
	defer runtimeDB.Close()

	taskStore, err := scheduler.NewTaskStore(runtimeDB, nil)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	sessionStore, err := sessions.NewStore(runtimeDB, nil)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	sessionManager := sessions.NewManager(
		sessions.WithStore(sessionStore),
		sessions.WithLogger(logger),
		sessions.WithIdleTimeout(cfg.Session.IdleTimeout),
		sessions.WithMaxHistory(cfg.Session.MaxHistory))

	skillRegistry := skills.NewRegistry(
		[]string{"skills", filepath.Join(cfg.DataDir, "skills")}, logger)
	if err := skillRegistry.Reload(); err != nil {
		logger.Warn("skill scan failed", "error", err)
	}

	registry := tools.NewRegistry(logger)
	registry.SetObserver(func(tool string, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ToolExecutions.WithLabelValues(tool, status).Inc()
	})

	agentOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithIdentity(identityStore),
		agent.WithSkills(skillRegistry),
		agent.WithMemory(memManager),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithTokenBudget(cfg.Agent.ContextBudget - cfg.Agent.OutputReserve),
		agent.WithRecentTurns(cfg.Agent.MinRecentTurns),
	}
	if cfg.Agent.EnableCompiler {
		agentOpts = append(agentOpts, agent.WithCompiler(compilerChatter(llmClient, endpoints, logger)))
	}
	ag := agent.New(llmClient, registry, agentOpts...)

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithInterrupts(ag.Interrupts()),
		gateway.WithLLM(llmClient),
		gateway.WithMetrics(metrics),
	}
	if stt := voice.NewClient(endpoints.STTEndpoints, voice.WithLogger(logger)); stt.Enabled() {
		gwOpts = append(gwOpts, gateway.WithTranscriber(stt))
	}
	gw := gateway.New(sessionManager, ag, gwOpts...)

	workspace := filepath.Join(cfg.DataDir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	for _, tool := range tools.FileTools(workspace) {
		registry.MustRegister(tool)
	}
	registry.MustRegister(tools.ShellTool(workspace))
	for _, tool := range tools.MemoryTools(memManager) {
		registry.MustRegister(tool)
	}
	for _, tool := range tools.SchedulerTools(taskStore) {
		registry.MustRegister(tool)
	}
	for _, tool := range tools.ChannelTools(gw) {
		registry.MustRegister(tool)
	}
	registry.MustRegister(tools.ThinkingTool())
	for _, tool := range tools.SkillTools(skillRegistry) {
		registry.MustRegister(tool)
	}

	sched := scheduler.New(taskStore, gw,
		scheduler.WithLogger(logger),
		scheduler.WithAgentRunner(ag),
		scheduler.WithChatter(llmClient),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithTaskTimeout(cfg.Scheduler.TaskTimeout),
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		scheduler.WithObserver(func(status models.ExecutionStatus) {
			metrics.TaskExecutions.WithLabelValues(string(status)).Inc()
		}))

	sched.RegisterSystemHandler("system:daily_memory", func(ctx context.Context) error {
		report, err := memManager.Consolidate(ctx)
		if err != nil {
			return err
		}
		logger.Info("memory consolidation finished",
			"episodes", report.EpisodesCreated,
			"memories", report.MemoriesCreated,
			"duplicates", report.DuplicatesRemoved,
			"expired", report.MemoriesExpired)
		if err := memManager.RefreshMemoryMD(ctx); err != nil {
			return err
		}
		return memManager.RefreshUserMD(ctx)
	})

	checker := selfcheck.New(cfg.DataDir, memStore.DB(), runtimeDB,
		sessionManager, gw, selfcheck.WithLogger(logger))
	sched.RegisterSystemHandler("system:daily_selfcheck", checker.Run)

	if err := seedSystemTasks(ctx, taskStore, cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("seed system tasks: %w", err)
	}

	if err := registerAdapters(gw, cfg, logger); err != nil {
		return err
	}

	var metricsServer *observability.Server
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewServer(cfg.Metrics.Addr, metrics, logger)
		metricsServer.Start()
	}

	sessionManager.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	gw.Start(ctx)

	logger.Info("pocketmind running",
		"data_dir", cfg.DataDir, "endpoints", len(endpoints.Endpoints))
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	gw.Stop(shutdownCtx)
	sched.Stop()
	sessionManager.Stop(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// seedSystemTasks ensures the built-in maintenance tasks exist. Existing
// rows are left alone so user edits to the schedule survive restarts.
func seedSystemTasks(ctx context.Context, store *scheduler.TaskStore, timezone string) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, task := range existing {
		have[task.Action] = true
	}

	if timezone == "Local" {
		timezone = ""
	}
	defaults := []*models.ScheduledTask{
		{
			Name:        "Daily memory consolidation",
			Action:      "system:daily_memory",
			TriggerType: models.TriggerCron,
			Trigger:     models.TriggerConfig{CronExpr: "0 4 * * *", Timezone: timezone},
		},
		{
			Name:        "Daily self-check",
			Action:      "system:daily_selfcheck",
			TriggerType: models.TriggerCron,
			Trigger:     models.TriggerConfig{CronExpr: "0 9 * * *", Timezone: timezone},
		},
	}
	for _, task := range defaults {
		if have[task.Action] {
			continue
		}
		if err := store.Create(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// compilerChatter returns the model pool backing the prompt compiler.
// A dedicated compiler pool is preferred so cheap models do the
// rewriting; otherwise the main pool serves double duty.
func compilerChatter(main *llm.Client, endpoints *config.EndpointsFile, logger *slog.Logger) agent.Chatter {
	if len(endpoints.CompilerEndpoints) == 0 {
		return main
	}
	compiler, err := llm.New(&config.EndpointsFile{
		Endpoints: endpoints.CompilerEndpoints,
		Settings:  endpoints.Settings,
	}, llm.WithLogger(logger))
	if err != nil {
		logger.Warn("compiler pool invalid, falling back to main pool", "error", err)
		return main
	}
	return compiler
}

// registerAdapters builds every enabled channel adapter and registers it
// on the gateway. A misconfigured adapter fails startup; better loud
// than silently unreachable.
func registerAdapters(gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) error {
	if c := cfg.Channels.Telegram; c.Enabled {
		adapter, err := channels.NewTelegram(channels.TelegramConfig{
			Token:    c.ResolvedToken(),
			Handler:  gw.HandleIncoming,
			MediaDir: cfg.MediaDir(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		gw.Register(adapter)
	}
	if c := cfg.Channels.Discord; c.Enabled {
		adapter, err := channels.NewDiscord(channels.DiscordConfig{
			Token:    c.ResolvedToken(),
			Handler:  gw.HandleIncoming,
			MediaDir: cfg.MediaDir(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		gw.Register(adapter)
	}
	if c := cfg.Channels.Slack; c.Enabled {
		adapter, err := channels.NewSlack(channels.SlackConfig{
			BotToken: c.ResolvedBotToken(),
			AppToken: c.ResolvedAppToken(),
			Handler:  gw.HandleIncoming,
			MediaDir: cfg.MediaDir(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("slack adapter: %w", err)
		}
		gw.Register(adapter)
	}
	if c := cfg.Channels.OneBot; c.Enabled {
		adapter, err := channels.NewOneBot(channels.OneBotConfig{
			ListenAddr:  c.ListenAddr,
			AccessToken: c.AccessToken,
			Handler:     gw.HandleIncoming,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("onebot adapter: %w", err)
		}
		gw.Register(adapter)
	}
	return nil
}
