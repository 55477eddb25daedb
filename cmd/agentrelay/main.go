package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/bus"
	"agentrelay/internal/channel"
	"agentrelay/internal/completion"
	"agentrelay/internal/config"
	"agentrelay/internal/dedupe"
	"agentrelay/internal/memory"
	"agentrelay/internal/metrics"
	"agentrelay/internal/retry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "agentrelay",
		Short:        "agentrelay: routes channel traffic to AI agents",
		Long:         "agentrelay receives Telegram, WhatsApp and marketplace traffic, answers it with the configured agent and delivers the reply on the same channel.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.toml (default: ~/.agentrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(agentsCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// newLogger builds the process logger from the general section. The
// returned closer releases the log file, if any.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	closer := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "database", config.ExpandPath(cfg.Store.DBPath))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and channel listeners",
		Long:  "Serves platform webhooks, health, metrics and admin endpoints, and starts the Telegram listener in poll mode. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	if cfg.Store.AgentsFile != "" {
		if _, err := store.ImportAgents(ctx, cfg.Store.AgentsFile); err != nil {
			return fmt.Errorf("import agents: %w", err)
		}
	}

	events := bus.NewEventBus(logger, 1000)
	var metricsHandler http.Handler
	if cfg.Server.MetricsPath != "" {
		rec := metrics.NewRecorder()
		rec.Attach(events)
		metricsHandler = rec.Handler()
	}

	svc, err := completion.NewService(cfg.Completion, logger)
	if err != nil {
		return fmt.Errorf("completion backend: %w", err)
	}
	if err := svc.Healthy(ctx); err != nil {
		logger.Warn("completion backend unhealthy at startup", "provider", svc.Name(), "err", err)
	}

	client := completion.NewClient(completion.ClientConfig{
		Service:     svc,
		Policy:      retryPolicy(cfg.Retry),
		Temperature: &cfg.Completion.Temperature,
		MaxTokens:   cfg.Completion.MaxTokens,
		Events:      events,
		Logger:      logger,
	})

	seen := dedupe.New(time.Duration(cfg.Dedupe.TTLSeconds)*time.Second, cfg.Dedupe.MaxEntries)
	defer seen.Close()

	orch := agent.NewOrchestrator(agent.OrchestratorConfig{
		Store:   store,
		Agents:  store,
		Replier: client,
		Contexts: agent.NewContextBuilder(agent.ContextBuilderConfig{
			HistoryLimit:    cfg.Context.HistoryLimit,
			MaxPromptTokens: cfg.Context.MaxPromptTokens,
			Logger:          logger,
		}),
		Locks:       agent.NewConversationLocks(),
		Dedupe:      seen,
		Limiter:     agent.NewRateLimiter(cfg.Completion.Burst, float64(cfg.Completion.RateLimitPerMinute)),
		Events:      events,
		Fallback:    cfg.Fallback.FallbackFor,
		UnitTimeout: time.Duration(cfg.Server.UnitTimeoutSeconds) * time.Second,
		OnReply: func(conversationID, text string) {
			logger.Debug("reply appended", "conversation", conversationID, "chars", len(text))
		},
		Logger: logger,
	})

	srvCfg := channel.ServerConfig{
		Config:    cfg.Server,
		Channels:  cfg.Channels,
		Processor: orch,
		Metrics:   metricsHandler,
		Events:    events,
		Logger:    logger,
	}
	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		srvCfg.WhatsApp = channel.NewWhatsApp(channel.WhatsAppChannelConfig{Config: wa, Logger: logger})
	}
	if mp := cfg.Channels.Marketplace; mp.Enabled {
		srvCfg.Marketplace = channel.NewMarketplace(channel.MarketplaceChannelConfig{Config: mp, Logger: logger})
	}
	if tg := cfg.Channels.Telegram; tg.Enabled {
		srvCfg.Telegram = channel.NewTelegram(channel.TelegramChannelConfig{
			Config:    tg,
			Processor: orch,
			Events:    events,
			Logger:    logger,
		})
	}
	srv := channel.NewServer(srvCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if tg := srvCfg.Telegram; tg != nil && cfg.Channels.Telegram.Mode != "webhook" {
		g.Go(func() error {
			if err := tg.Start(gctx); err != nil {
				return fmt.Errorf("telegram: %w", err)
			}
			<-gctx.Done()
			return tg.Stop()
		})
	}

	logger.Info("agentrelay started. Press Ctrl+C to stop.", "version", version, "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func retryPolicy(cfg config.RetryConfig) *retry.Policy {
	p := retry.NewPolicy(cfg.MaxRetries, time.Duration(cfg.BaseDelayMs)*time.Millisecond, logger)
	if cfg.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	p.Jitter = cfg.Jitter
	return p
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store counts and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()
			st, err := store.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			fmt.Printf("agentrelay v%s\n", version)
			fmt.Printf("  config:         %s\n", cfgPath)
			fmt.Printf("  database:       %s\n", cfg.Store.DBPath)
			fmt.Printf("  agents:         %d\n", st.Agents)
			fmt.Printf("  conversations:  %d\n", st.Conversations)
			fmt.Printf("  messages:       %d (%d failed)\n", st.Messages, st.Failed)

			svc, err := completion.NewService(cfg.Completion, logger)
			switch {
			case err != nil:
				fmt.Printf("  completion:     misconfigured (%v)\n", err)
			case svc.Healthy(ctx) != nil:
				fmt.Printf("  completion:     %s unreachable\n", svc.Name())
			default:
				fmt.Printf("  completion:     %s ok\n", svc.Name())
			}

			for _, ch := range enabledChannels(cfg.Channels) {
				fmt.Printf("  channel:        %s\n", ch)
			}
			return nil
		},
	}
}

func enabledChannels(c config.ChannelsConfig) []string {
	var out []string
	if c.Telegram.Enabled {
		out = append(out, "telegram ("+c.Telegram.Mode+")")
	}
	if c.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if c.Marketplace.Enabled {
		out = append(out, "marketplace")
	}
	return out
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. server.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.telegram.mode webhook)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, pv := range config.ListPaths(config.Sanitize(cfg)) {
				fmt.Printf("%s = %v\n", pv.Path, pv.Value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
