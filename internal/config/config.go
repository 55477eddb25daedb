package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for agentrelay.
type Config struct {
	General    GeneralConfig    `json:"general" toml:"general"`
	Server     ServerConfig     `json:"server" toml:"server"`
	Completion CompletionConfig `json:"completion" toml:"completion"`
	Retry      RetryConfig      `json:"retry" toml:"retry"`
	Context    ContextConfig    `json:"context" toml:"context"`
	Store      StoreConfig      `json:"store" toml:"store"`
	Dedupe     DedupeConfig     `json:"dedupe" toml:"dedupe"`
	Channels   ChannelsConfig   `json:"channels" toml:"channels"`
	Fallback   FallbackConfig   `json:"fallback" toml:"fallback"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" toml:"logLevel"`
	LogFormat string `json:"logFormat,omitempty" toml:"logFormat,omitempty"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" toml:"logFile,omitempty"`
}

type ServerConfig struct {
	Host               string `json:"host" toml:"host"`
	Port               int    `json:"port" toml:"port"`
	UnitTimeoutSeconds int    `json:"unitTimeoutSeconds" toml:"unitTimeoutSeconds"`
	MaxConcurrentUnits int    `json:"maxConcurrentUnits" toml:"maxConcurrentUnits"`
	AdminToken         string `json:"adminToken,omitempty" toml:"adminToken,omitempty"`
	MetricsPath        string `json:"metricsPath,omitempty" toml:"metricsPath,omitempty"` // empty disables /metrics
}

type CompletionConfig struct {
	Provider           string  `json:"provider" toml:"provider"` // "openai" | "ollama" | "openrouter" | "custom"
	APIBase            string  `json:"apiBase,omitempty" toml:"apiBase,omitempty"`
	APIKey             string  `json:"apiKey,omitempty" toml:"apiKey,omitempty"`
	DefaultModel       string  `json:"defaultModel,omitempty" toml:"defaultModel,omitempty"`
	Temperature        float64 `json:"temperature" toml:"temperature"`
	MaxTokens          int     `json:"maxTokens" toml:"maxTokens"`
	TimeoutSeconds     int     `json:"timeoutSeconds" toml:"timeoutSeconds"`
	RateLimitPerMinute int     `json:"rateLimitPerMinute,omitempty" toml:"rateLimitPerMinute,omitempty"`
	Burst              int     `json:"burst,omitempty" toml:"burst,omitempty"`
}

type RetryConfig struct {
	MaxRetries  int  `json:"maxRetries" toml:"maxRetries"`
	BaseDelayMs int  `json:"baseDelayMs" toml:"baseDelayMs"`
	MaxDelayMs  int  `json:"maxDelayMs" toml:"maxDelayMs"`
	Jitter      bool `json:"jitter" toml:"jitter"`
}

type ContextConfig struct {
	HistoryLimit    int `json:"historyLimit" toml:"historyLimit"`
	MaxPromptTokens int `json:"maxPromptTokens,omitempty" toml:"maxPromptTokens,omitempty"` // 0 = no token budget
}

type StoreConfig struct {
	DBPath     string `json:"dbPath" toml:"dbPath"`
	AgentsFile string `json:"agentsFile,omitempty" toml:"agentsFile,omitempty"` // YAML agent catalogue loaded at startup
}

type DedupeConfig struct {
	TTLSeconds int `json:"ttlSeconds" toml:"ttlSeconds"`
	MaxEntries int `json:"maxEntries" toml:"maxEntries"`
}

type ChannelsConfig struct {
	Telegram    TelegramConfig    `json:"telegram" toml:"telegram"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp" toml:"whatsapp"`
	Marketplace MarketplaceConfig `json:"marketplace" toml:"marketplace"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled" toml:"enabled"`
	AgentID     string         `json:"agentId" toml:"agentId"`
	Token       string         `json:"token" toml:"token"`
	Mode        string         `json:"mode" toml:"mode"` // "poll" | "webhook"
	SecretToken string         `json:"secretToken,omitempty" toml:"secretToken,omitempty"`
	WebhookPath string         `json:"webhookPath,omitempty" toml:"webhookPath,omitempty"`
	PollTimeout int            `json:"pollTimeout,omitempty" toml:"pollTimeout,omitempty"`
	AllowFrom   FlexStringList `json:"allowFrom" toml:"allowFrom"`
	ParseMode   string         `json:"parseMode" toml:"parseMode"`
	APIEndpoint string         `json:"apiEndpoint,omitempty" toml:"apiEndpoint,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	AgentID       string `json:"agentId" toml:"agentId"`
	AccessToken   string `json:"accessToken,omitempty" toml:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" toml:"phoneNumberId,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty" toml:"verifyToken,omitempty"`
	AppSecret     string `json:"appSecret,omitempty" toml:"appSecret,omitempty"`
	APIBase       string `json:"apiBase,omitempty" toml:"apiBase,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty" toml:"webhookPath,omitempty"`
}

type MarketplaceConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	AgentID     string `json:"agentId" toml:"agentId"`
	Platform    string `json:"platform,omitempty" toml:"platform,omitempty"` // e.g. "mercadolivre", "shopee"
	Token       string `json:"token,omitempty" toml:"token,omitempty"`
	WebhookPath string `json:"webhookPath,omitempty" toml:"webhookPath,omitempty"`
	NotifyURL   string `json:"notifyUrl,omitempty" toml:"notifyUrl,omitempty"`
	APIKey      string `json:"apiKey,omitempty" toml:"apiKey,omitempty"`
}

// FallbackConfig is the apology sent when no reply could be generated.
// Messages is keyed by agent language (e.g. "pt-BR").
type FallbackConfig struct {
	Message  string            `json:"message" toml:"message"`
	Messages map[string]string `json:"messages,omitempty" toml:"messages,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.agentrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentrelay"
	}
	return filepath.Join(home, ".agentrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a JSON or TOML (by extension) config file, expands environment
// variables, overlays it on Defaults and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Store.AgentsFile = ExpandPath(cfg.Store.AgentsFile)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or TOML when path ends in .toml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be text or json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.UnitTimeoutSeconds < 1 {
		errs = append(errs, "server.unitTimeoutSeconds must be >= 1")
	}
	if cfg.Server.MaxConcurrentUnits < 1 || cfg.Server.MaxConcurrentUnits > 1000 {
		errs = append(errs, "server.maxConcurrentUnits must be between 1 and 1000")
	}

	switch cfg.Completion.Provider {
	case "openai", "ollama", "openrouter":
	case "custom":
		if cfg.Completion.APIBase == "" {
			errs = append(errs, "completion.apiBase is required for the custom provider")
		}
	default:
		errs = append(errs, "completion.provider must be one of: openai, ollama, openrouter, custom")
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		errs = append(errs, "completion.temperature must be between 0 and 2")
	}
	if cfg.Completion.MaxTokens < 1 {
		errs = append(errs, "completion.maxTokens must be >= 1")
	}

	if cfg.Retry.MaxRetries < 1 || cfg.Retry.MaxRetries > 10 {
		errs = append(errs, "retry.maxRetries must be between 1 and 10")
	}
	if cfg.Retry.BaseDelayMs < 1 {
		errs = append(errs, "retry.baseDelayMs must be >= 1")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		errs = append(errs, "retry.maxDelayMs must be >= retry.baseDelayMs")
	}

	if cfg.Context.HistoryLimit < 1 {
		errs = append(errs, "context.historyLimit must be >= 1")
	}
	if cfg.Context.MaxPromptTokens < 0 {
		errs = append(errs, "context.maxPromptTokens must be >= 0")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Dedupe.MaxEntries < 1 {
		errs = append(errs, "dedupe.maxEntries must be >= 1")
	}

	tg := cfg.Channels.Telegram
	if tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, "channels.telegram.token is required when enabled")
		}
		if tg.AgentID == "" {
			errs = append(errs, "channels.telegram.agentId is required when enabled")
		}
		switch tg.Mode {
		case "poll":
		case "webhook":
			if tg.SecretToken == "" {
				errs = append(errs, "channels.telegram.secretToken is required in webhook mode")
			}
		default:
			errs = append(errs, "channels.telegram.mode must be poll or webhook")
		}
	}
	wa := cfg.Channels.WhatsApp
	if wa.Enabled {
		if wa.AgentID == "" {
			errs = append(errs, "channels.whatsapp.agentId is required when enabled")
		}
		if wa.VerifyToken == "" {
			errs = append(errs, "channels.whatsapp.verifyToken is required when enabled")
		}
		if wa.PhoneNumberID == "" || wa.AccessToken == "" {
			errs = append(errs, "channels.whatsapp.phoneNumberId and accessToken are required when enabled")
		}
	}
	mp := cfg.Channels.Marketplace
	if mp.Enabled {
		if mp.AgentID == "" {
			errs = append(errs, "channels.marketplace.agentId is required when enabled")
		}
		if mp.Token == "" {
			errs = append(errs, "channels.marketplace.token is required when enabled")
		}
		if mp.NotifyURL == "" {
			errs = append(errs, "channels.marketplace.notifyUrl is required when enabled")
		}
	}

	if strings.TrimSpace(cfg.Fallback.Message) == "" {
		errs = append(errs, "fallback.message must not be empty")
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
