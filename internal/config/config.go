package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for aiwriter.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Search  SearchConfig  `yaml:"search"`
	Agent   AgentConfig   `yaml:"agent"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OpenAIConfig configures the Assistants provider. An empty AssistantID
// creates a new assistant from Model, AssistantName and Instructions.
type OpenAIConfig struct {
	APIKey        string `yaml:"apiKey,omitempty"`
	APIBase       string `yaml:"apiBase"`
	Model         string `yaml:"model"`
	AssistantID   string `yaml:"assistantId,omitempty"`
	AssistantName string `yaml:"assistantName"`
	Instructions  string `yaml:"instructions,omitempty"`
}

// SearchConfig configures the Tavily web search tool. Without an API key
// the tool answers with an "unavailable" payload.
type SearchConfig struct {
	TavilyAPIKey string `yaml:"tavilyApiKey,omitempty"`
	APIBase      string `yaml:"apiBase"`
	MaxResults   int    `yaml:"maxResults"`
}

type AgentConfig struct {
	FlushInterval time.Duration `yaml:"flushInterval"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	Sweep         string        `yaml:"sweep"` // cron spec
	RunsPerMinute float64       `yaml:"runsPerMinute"`
	Burst         int           `yaml:"burst"`
	AutoStart     bool          `yaml:"autoStart"`
}

type GatewayConfig struct {
	Kind     string         `yaml:"kind"` // "websocket" | "telegram"
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Token     string   `yaml:"token,omitempty"`
	AllowFrom []string `yaml:"allowFrom,omitempty"`
	StopLabel string   `yaml:"stopLabel,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

const (
	GatewayWebSocket = "websocket"
	GatewayTelegram  = "telegram"
)

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		OpenAI: OpenAIConfig{
			APIBase:       "https://api.openai.com/v1",
			Model:         "gpt-4.1-mini",
			AssistantName: "AI Writing Assistant",
		},
		Search: SearchConfig{
			APIBase:    "https://api.tavily.com",
			MaxResults: 5,
		},
		Agent: AgentConfig{
			FlushInterval: time.Second,
			IdleTimeout:   8 * time.Hour,
			Sweep:         "@every 5s",
			RunsPerMinute: 30,
			Burst:         5,
			AutoStart:     true,
		},
		Gateway: GatewayConfig{
			Kind: GatewayWebSocket,
			Telegram: TelegramConfig{
				StopLabel: "Stop",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConfigDir returns the default config directory (~/.aiwriter).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aiwriter"
	}
	return filepath.Join(home, ".aiwriter")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the YAML file at path on top of Defaults. A missing file is not
// an error: defaults and environment credentials are used instead.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	default:
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnv fills credentials left empty by the file from the environment.
func applyEnv(cfg *Config) {
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = firstEnv("OPENAI_API_KEY", "OPEN_API_KEY")
	}
	if cfg.Search.TavilyAPIKey == "" {
		cfg.Search.TavilyAPIKey = firstEnv("TAVILY_API_KEY")
	}
	if cfg.Gateway.Telegram.Token == "" {
		cfg.Gateway.Telegram.Token = firstEnv("TELEGRAM_BOT_TOKEN")
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unknown
// variables without a default are left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, ok := os.LookupEnv(groups[1])
		if !ok || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values. Credentials are not
// required here; the provider reports a missing key when an agent starts.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Search.MaxResults < 1 || cfg.Search.MaxResults > 20 {
		errs = append(errs, "search.maxResults must be between 1 and 20")
	}
	if cfg.Agent.FlushInterval <= 0 {
		errs = append(errs, "agent.flushInterval must be positive")
	}
	if cfg.Agent.IdleTimeout <= 0 {
		errs = append(errs, "agent.idleTimeout must be positive")
	}
	if strings.TrimSpace(cfg.Agent.Sweep) == "" {
		errs = append(errs, "agent.sweep must not be empty")
	}
	if cfg.Agent.RunsPerMinute < 0 {
		errs = append(errs, "agent.runsPerMinute must be >= 0")
	}
	if cfg.Agent.Burst < 0 {
		errs = append(errs, "agent.burst must be >= 0")
	}

	switch cfg.Gateway.Kind {
	case GatewayWebSocket:
	case GatewayTelegram:
		if cfg.Gateway.Telegram.Token == "" {
			errs = append(errs, "gateway.telegram.token is required for the telegram gateway")
		}
	default:
		errs = append(errs, "gateway.kind must be one of: websocket, telegram")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
