package completion

import (
	"fmt"
	"log/slog"
	"time"

	"agentrelay/internal/config"
)

// presets are OpenAI-compatible backends known by name.
var presets = map[string]struct {
	apiBase    string
	needsKey   bool
	needsModel bool
}{
	"openai":     {apiBase: "https://api.openai.com/v1", needsKey: true},
	"openrouter": {apiBase: "https://openrouter.ai/api/v1", needsKey: true},
	"ollama":     {apiBase: "http://localhost:11434/v1", needsModel: true},
	"custom":     {needsModel: true},
}

// Providers lists the backend names accepted by completion.provider.
func Providers() []string {
	return []string{"custom", "ollama", "openai", "openrouter"}
}

// NewService builds the completion backend selected by cfg.Provider. An
// explicit apiBase overrides the preset's.
func NewService(cfg config.CompletionConfig, logger *slog.Logger) (*OpenAI, error) {
	preset, ok := presets[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown completion provider %q (want one of %v)", cfg.Provider, Providers())
	}
	base := cfg.APIBase
	if base == "" {
		base = preset.apiBase
	}
	if base == "" {
		return nil, fmt.Errorf("completion provider %s: apiBase is required", cfg.Provider)
	}
	if preset.needsKey && cfg.APIKey == "" {
		return nil, fmt.Errorf("completion provider %s: apiKey is required", cfg.Provider)
	}
	if preset.needsModel && cfg.DefaultModel == "" {
		return nil, fmt.Errorf("completion provider %s: defaultModel is required", cfg.Provider)
	}

	logger.Info("completion backend configured", "provider", cfg.Provider, "api_base", base, "model", cfg.DefaultModel)
	return NewOpenAI(OpenAIConfig{
		Name:         cfg.Provider,
		APIKey:       cfg.APIKey,
		APIBase:      base,
		DefaultModel: cfg.DefaultModel,
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		Logger:       logger,
	}), nil
}
