package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/GitAcrown/MARI4/internal/agent"
	agentctx "github.com/GitAcrown/MARI4/internal/agent/context"
	"github.com/GitAcrown/MARI4/internal/agent/providers"
	"github.com/GitAcrown/MARI4/internal/attachments"
	"github.com/GitAcrown/MARI4/internal/channels/discord"
	"github.com/GitAcrown/MARI4/internal/config"
	"github.com/GitAcrown/MARI4/internal/observability"
	"github.com/GitAcrown/MARI4/internal/prompt"
	"github.com/GitAcrown/MARI4/internal/tasks"
	"github.com/GitAcrown/MARI4/internal/tools/scheduling"
)

const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd(opts *rootOptions) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and start answering",
		Long: `Start the bot with the given configuration.

The server will:
1. Load .env and the configuration file
2. Open the task database and start the scheduler
3. Connect to the Discord gateway and register slash commands
4. Serve Prometheus metrics when enabled

Guild modes are reloaded when the configuration file changes.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  mari4 serve

  # Start with debug logging
  mari4 serve --config /etc/mari4/mari4.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// runServe wires every component and blocks until a signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	logger.Info("starting MARI4", "version", version, "commit", commit, "config", configPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics, registry, logger)
	}

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	}
	if cfg.Tracing.ServiceVersion != "" {
		traceCfg.ServiceVersion = cfg.Tracing.ServiceVersion
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	client, err := providers.NewOpenAIClient(providers.OpenAIConfig{
		APIKey:              cfg.OpenAI.APIKey,
		BaseURL:             cfg.OpenAI.BaseURL,
		Model:               cfg.OpenAI.Model,
		TranscriptionModel:  cfg.OpenAI.TranscriptionModel,
		MaxCompletionTokens: cfg.OpenAI.MaxCompletionTokens,
		ReasoningEffort:     cfg.OpenAI.ReasoningEffort,
		MaxRetries:          cfg.OpenAI.MaxRetries,
		RetryDelay:          cfg.OpenAI.RetryDelay,
		Logger:              logger.With("component", "openai"),
	})
	if err != nil {
		return fmt.Errorf("create openai client: %w", err)
	}

	tmpl, err := prompt.New(cfg.Prompt.Template)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	loc := cfg.Location()

	tools := agent.NewToolRegistry()
	var scheduler *tasks.Scheduler
	if cfg.Scheduler.IsEnabled() {
		store, err := openTaskStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		scheduler, err = tasks.NewScheduler(store, nil, tasks.SchedulerConfig{
			PollInterval:   cfg.Scheduler.PollInterval,
			PurgeSchedule:  cfg.Scheduler.PurgeSchedule,
			PurgeAfterDays: cfg.Scheduler.PurgeAfterDays,
			Logger:         logger.With("component", "task-scheduler"),
			Metrics:        metrics,
			Tracer:         tracer,
		})
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		if err := scheduling.Register(tools, scheduler, scheduling.Config{
			MaxPendingPerUser: cfg.Scheduler.MaxPendingPerUser,
			MinDelay:          cfg.Scheduler.MinDelay,
			MaxDelay:          cfg.Scheduler.MaxDelay,
			Location:          loc,
		}); err != nil {
			return fmt.Errorf("register scheduling tools: %w", err)
		}
	}

	botName := cfg.Discord.BotName
	if botName == "" {
		botName = prompt.DefaultBotName
	}
	manager := agent.NewManager(client, tools, sessionConfig(cfg, tmpl.Func(botName, loc, nil), client, logger, metrics, tracer))

	defaultMode, guildModes := discordModes(cfg.Discord)
	var taskService discord.TaskService
	if scheduler != nil {
		taskService = scheduler
	}
	adapter, err := discord.NewAdapter(discord.Config{
		Token:             cfg.Discord.Token,
		BotName:           cfg.Discord.BotName,
		DefaultMode:       defaultMode,
		GuildModes:        guildModes,
		EditWindow:        cfg.Discord.EditWindow,
		BusyWindow:        cfg.Discord.BusyWindow,
		BusyMessages:      cfg.Discord.BusyMessages,
		CompletionTimeout: cfg.Discord.CompletionTimeout,
		CommandGuildIDs:   cfg.Discord.CommandGuilds,
		Location:          loc,
		RateLimit:         cfg.Discord.RateLimit,
		RateBurst:         cfg.Discord.RateBurst,
		Logger:            logger,
		Metrics:           metrics,
	}, manager, taskService)
	if err != nil {
		return fmt.Errorf("create discord adapter: %w", err)
	}
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start discord adapter: %w", err)
	}

	if scheduler != nil {
		scheduler.SetExecutor(adapter.TaskExecutor())
		if err := scheduler.Start(ctx); err != nil {
			_ = adapter.Stop(context.Background())
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	watcher := config.NewWatcher(configPath, 0, logger.With("component", "config"), func(next *config.Config) {
		mode, modes := discordModes(next.Discord)
		if err := adapter.SetModes(mode, modes); err != nil {
			logger.Warn("ignoring reloaded guild modes", "error", err)
			return
		}
		logger.Info("guild modes reloaded", "default_mode", mode, "guilds", len(modes))
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	logger.Info("MARI4 running", "scheduler", scheduler != nil, "tools", tools.Names())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if scheduler != nil {
		errs = append(errs, scheduler.Stop(shutdownCtx))
	}
	errs = append(errs, adapter.Stop(shutdownCtx), watcher.Close())
	if metricsServer != nil {
		errs = append(errs, metricsServer.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

func openTaskStore(ctx context.Context, cfg *config.Config) (*tasks.SQLiteStore, error) {
	storeCfg := tasks.DefaultSQLiteConfig(cfg.Scheduler.Database)
	storeCfg.Driver = cfg.Scheduler.Driver
	store, err := tasks.NewSQLiteStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return store, nil
}

func sessionConfig(cfg *config.Config, promptFn agent.PromptFunc, transcriber agent.Transcriber, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) agent.SessionConfig {
	sc := agent.DefaultSessionConfig()
	sc.Context = agentctx.Config{
		Window: cfg.Context.Window,
		MaxAge: cfg.Context.MaxAge,
		Logger: logger.With("component", "context"),
	}
	if cfg.Session.MaxDepth > 0 {
		sc.MaxDepth = cfg.Session.MaxDepth
	}
	if cfg.Session.MaxToolCalls > 0 {
		sc.MaxToolCalls = cfg.Session.MaxToolCalls
	}
	if cfg.Session.MaxScheduledTasks > 0 {
		sc.MaxScheduledTasks = cfg.Session.MaxScheduledTasks
	}
	if cfg.Session.ToolTimeout > 0 {
		sc.ToolExec.PerToolTimeout = cfg.Session.ToolTimeout
	}
	sc.ToolExec.Logger = logger.With("component", "tools")
	sc.ToolExec.Metrics = metrics
	sc.ToolExec.Tracer = tracer

	attCfg := attachments.DefaultConfig()
	if cfg.Attachments.MaxTextFileBytes > 0 {
		attCfg.MaxTextFileBytes = cfg.Attachments.MaxTextFileBytes
	}
	if cfg.Attachments.MaxTextChars > 0 {
		attCfg.MaxTextChars = cfg.Attachments.MaxTextChars
	}
	if cfg.Attachments.MaxAudioBytes > 0 {
		attCfg.MaxAudioBytes = cfg.Attachments.MaxAudioBytes
	}
	if cfg.Attachments.CacheSize > 0 {
		attCfg.CacheSize = cfg.Attachments.CacheSize
	}
	if cfg.Attachments.DownloadTimeout > 0 {
		attCfg.DownloadTimeout = cfg.Attachments.DownloadTimeout
	}
	attCfg.Logger = logger.With("component", "attachments")

	sc.Model = cfg.OpenAI.Model
	sc.MaxTokens = cfg.OpenAI.MaxCompletionTokens
	sc.Prompt = promptFn
	sc.Attachments = attachments.NewProcessor(transcriber, attCfg)
	sc.Logger = logger.With("component", "sessions")
	sc.Metrics = metrics
	sc.Tracer = tracer
	return sc
}

// discordModes converts validated mode names.
func discordModes(cfg config.DiscordConfig) (discord.Mode, map[string]discord.Mode) {
	modes := make(map[string]discord.Mode, len(cfg.GuildModes))
	for guild, mode := range cfg.GuildModes {
		modes[guild] = discord.Mode(mode)
	}
	return discord.Mode(cfg.DefaultMode), modes
}

func startMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "address", cfg.Address, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
