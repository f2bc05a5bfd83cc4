package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/KyouP/llm-ron-bot/internal/agent"
	"github.com/KyouP/llm-ron-bot/internal/auth"
	"github.com/KyouP/llm-ron-bot/internal/bus"
	"github.com/KyouP/llm-ron-bot/internal/commands"
	"github.com/KyouP/llm-ron-bot/internal/config"
	"github.com/KyouP/llm-ron-bot/internal/cron"
	"github.com/KyouP/llm-ron-bot/internal/gateway"
	"github.com/KyouP/llm-ron-bot/internal/lanes"
	"github.com/KyouP/llm-ron-bot/internal/outbox"
	"github.com/KyouP/llm-ron-bot/internal/providers"
	"github.com/KyouP/llm-ron-bot/internal/sessions"
	"github.com/KyouP/llm-ron-bot/internal/subagents"
	"github.com/KyouP/llm-ron-bot/internal/tools"
	"github.com/KyouP/llm-ron-bot/pkg/protocol"
)

func runGateway() {
	cfgPath := resolveConfigPath()

	initial, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(initial.Logging.Level)
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Config is read through an atomic pointer so a hot reload swaps the
	// whole document at once.
	var current atomic.Pointer[config.Config]
	current.Store(initial)
	cfg := func() *config.Config { return current.Load() }

	logger.Debug("effective config", "config", initial.MaskedCopy())

	stateDir := config.ExpandHome(cfg().StateDir)
	os.MkdirAll(stateDir, 0o755)

	msgBus := bus.New()
	laneQueue := lanes.NewQueue(logger)
	store := sessions.NewManager(config.ExpandHome(cfg().Session.Storage))

	provider, err := buildProvider(cfg())
	if err != nil {
		slog.Error("failed to configure provider", "error", err)
		os.Exit(1)
	}

	sender := outbox.New(msgBus, logger)
	dispatcher := agent.NewDispatcher(laneQueue, store, msgBus, provider, sender, cfg, logger)

	mode := cfg().Agents.Defaults.Subagents.AnnounceMode
	announceQueue := subagents.NewAnnounceQueue(mode,
		func(key string) string {
			c := cfg()
			return sessions.Canonicalize(key, sessions.AgentIDFromKey(key, "default"), c.Session.MainKey)
		},
		dispatcher.IsRunActive,
		nil, // no mid-run injection; steer modes fall back to queue or direct send
		logger,
	)
	costFor := func(model string) (subagents.CostRate, bool) {
		c, ok := cfg().CostFor(model)
		return subagents.CostRate{Input: c.Input, Output: c.Output}, ok
	}
	announcer := subagents.NewAnnouncer(dispatcher, store, announceQueue, costFor, logger)

	registry := subagents.NewRegistry(stateDir, dispatcher, msgBus, announcer, logger)
	registry.Init()
	defer registry.Close()

	// Queued announcements flush once the parent conversation goes idle.
	msgBus.SubscribeAgent("announce-flusher", func(event bus.AgentEvent) {
		if event.Type != protocol.AgentEventLifecycle || event.Phase == protocol.LifecycleStart {
			return
		}
		key := event.SessionKey
		if key == "" || sessions.IsSubagentSession(key) {
			return
		}
		if announceQueue.Size(key) == 0 || dispatcher.IsRunActive(key) {
			return
		}
		go announceQueue.Flush(context.Background(), key, dispatcher)
	})

	spawner := tools.NewSpawner(cfg, dispatcher, registry, store, laneQueue, logger)
	cmdHandler := commands.NewHandler(registry, dispatcher, store, logger)
	scheduler := cron.New(dispatcher, cfg, logger)

	router := gateway.NewRouter(dispatcher, store, spawner, cmdHandler, logger)
	server := gateway.NewServer(cfg, msgBus, router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	resetCh := make(chan os.Signal, 1)
	signal.Notify(resetCh, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				slog.Info("graceful shutdown initiated", "signal", sig)
				cancel()
			case <-resetCh:
				slog.Warn("SIGUSR1 received, clearing all lanes")
				laneQueue.ResetAll()
			}
		}
	}()

	slog.Info("ronbot gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"host", cfg().Gateway.Host,
		"port", cfg().Gateway.Port,
		"announceMode", mode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if len(cfg().Cron.Jobs) > 0 {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, logger, func(next *config.Config) {
			current.Store(next)
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// buildProvider picks the default agent's provider entry and resolves its
// API key, falling back to the agent directory's credentials file.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	name := cfg.Agents.Defaults.Provider
	if name == "" {
		name = "openai"
	}
	pc := cfg.Models.Providers[name]

	apiKey := pc.APIKey
	if apiKey == "" {
		creds, err := auth.Load(config.ExpandHome(cfg.Agent("default").AgentDir))
		if err != nil {
			return nil, err
		}
		if v, ok := creds.Get(name); ok {
			apiKey = v
		}
	}

	models := make([]string, 0, len(pc.Models))
	for _, m := range pc.Models {
		models = append(models, m.ID)
	}
	return providers.NewOpenAIProvider(name, apiKey, pc.APIBase, cfg.Agents.Defaults.Model, models), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
