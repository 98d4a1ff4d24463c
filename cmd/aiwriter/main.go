package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aiwriter/internal/agent"
	"aiwriter/internal/config"
	"aiwriter/internal/domain"
	"aiwriter/internal/gateway"
	"aiwriter/internal/provider"
	"aiwriter/internal/server"
	"aiwriter/internal/tool"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "aiwriter",
		Short: "AI writing assistant for chat channels",
		Long:  "aiwriter answers chat messages with streamed replies from an OpenAI assistant.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.aiwriter/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set openai.apiKey in the config or export OPENAI_API_KEY before running 'aiwriter serve'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aiwriter", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [path]",
		Short: "Show the effective config, or one value (e.g. agent.idleTimeout)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if len(args) == 1 {
				val, err := config.GetByPath(sanitized, args[0])
				if err != nil {
					return err
				}
				data, _ := json.MarshalIndent(val, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			data, err := yaml.Marshal(sanitized)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
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

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, the chat gateway and the agents",
		Long:  "Starts the configured chat gateway and the agent manager. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, wsHandler, closeGateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	toolReg := tool.NewRegistry(logger)
	toolReg.Register(tool.NewWebSearchTool(tool.WebSearchConfig{
		APIKey:     cfg.Search.TavilyAPIKey,
		BaseURL:    cfg.Search.APIBase,
		MaxResults: cfg.Search.MaxResults,
	}))

	prov := provider.NewAssistants(provider.AssistantsConfig{
		APIKey:       cfg.OpenAI.APIKey,
		APIBase:      cfg.OpenAI.APIBase,
		Model:        cfg.OpenAI.Model,
		AssistantID:  cfg.OpenAI.AssistantID,
		Name:         cfg.OpenAI.AssistantName,
		Instructions: cfg.OpenAI.Instructions,
		Tools:        toolReg,
		Logger:       logger,
	})
	if err := prov.Validate(); err != nil {
		logger.Warn("provider not ready, agents will fail to start", "err", err)
	}

	manager := agent.NewManager(agent.ManagerConfig{
		Gateway:  gw,
		Provider: prov,
		Agent: agent.Config{
			FlushInterval: cfg.Agent.FlushInterval,
			RunsPerMinute: cfg.Agent.RunsPerMinute,
			RunBurst:      cfg.Agent.Burst,
		},
		IdleTimeout: cfg.Agent.IdleTimeout,
		SweepSpec:   cfg.Agent.Sweep,
		Logger:      logger,
	})
	if err := manager.StartSweeper(); err != nil {
		return err
	}
	if cfg.Agent.AutoStart {
		manager.EnableAutoStart(ctx)
	}

	srv := server.New(server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Manager:   manager,
		WebSocket: wsHandler,
		Version:   version,
		Logger:    logger,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	logger.Info("aiwriter started. Press Ctrl+C to stop.", "gateway", cfg.Gateway.Kind, "auto_start", cfg.Agent.AutoStart)

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		stop()
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Close()
		closeGateway()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.Join(err, fmt.Errorf("shutdown timed out"))
	}
	return err
}

// buildGateway returns the chat gateway selected by gateway.kind, the
// websocket handler to mount (nil for telegram) and its cleanup.
func buildGateway(ctx context.Context, cfg *config.Config) (domain.Gateway, http.Handler, func(), error) {
	switch strings.ToLower(cfg.Gateway.Kind) {
	case config.GatewayTelegram:
		tg := gateway.NewTelegram(gateway.TelegramConfig{
			Token:     cfg.Gateway.Telegram.Token,
			AllowFrom: cfg.Gateway.Telegram.AllowFrom,
			StopLabel: cfg.Gateway.Telegram.StopLabel,
			Logger:    logger,
		})
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram gateway error", "err", err)
			}
		}()
		logger.Info("telegram gateway enabled")
		return tg, nil, func() {}, nil

	case config.GatewayWebSocket:
		local := gateway.NewLocal(logger)
		ws := gateway.NewWebSocket(local, logger)
		logger.Info("websocket gateway enabled", "path", "/ws")
		return local, ws, func() {
			ws.Close()
			local.Close()
		}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
}
