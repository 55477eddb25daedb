package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid defaults, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 70000
	cfg.Retry.MaxRetries = 0
	cfg.Context.HistoryLimit = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "retry.maxRetries", "context.historyLimit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_RetryBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Retry.MaxDelayMs = cfg.Retry.BaseDelayMs - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when maxDelayMs < baseDelayMs")
	}
}

func TestValidate_EnabledChannelsNeedCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.WhatsApp.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for whatsapp without credentials")
	}

	cfg.Channels.WhatsApp = WhatsAppConfig{
		Enabled:       true,
		AgentID:       "support",
		AccessToken:   "EAAG-token",
		PhoneNumberID: "1065",
		VerifyToken:   "s3cret",
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("configured whatsapp should be valid: %v", err)
	}
}

func TestValidate_TelegramWebhookNeedsSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram = TelegramConfig{Enabled: true, Token: "1:abc", AgentID: "a", Mode: "webhook"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for webhook mode without secret")
	}
	cfg.Channels.Telegram.Mode = "poll"
	if err := Validate(cfg); err != nil {
		t.Fatalf("poll mode should be valid: %v", err)
	}
}

func TestValidate_CustomProviderNeedsBase(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.Provider = "custom"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for custom provider without apiBase")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTripJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Completion.DefaultModel = "gpt-4.1-mini"
	original.Context.HistoryLimit = 12

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Completion.DefaultModel != "gpt-4.1-mini" || loaded.Context.HistoryLimit != 12 {
		t.Fatalf("round trip lost values: %+v", loaded.Completion)
	}
}

func TestLoadSave_RoundTripTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	original := Defaults()
	original.Server.Port = 9191
	original.Channels.Telegram.AllowFrom = FlexStringList{"42"}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 9191 {
		t.Fatalf("expected port 9191, got %d", loaded.Server.Port)
	}
	if len(loaded.Channels.Telegram.AllowFrom) != 1 || loaded.Channels.Telegram.AllowFrom[0] != "42" {
		t.Fatalf("allowFrom lost: %v", loaded.Channels.Telegram.AllowFrom)
	}
}

func TestLoad_TOMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[completion]
provider = "ollama"
defaultModel = "llama3.1:8b"

[retry]
maxRetries = 5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Completion.Provider != "ollama" || cfg.Retry.MaxRetries != 5 {
		t.Fatalf("values not applied: %+v %+v", cfg.Completion, cfg.Retry)
	}
	if cfg.Context.HistoryLimit != 10 {
		t.Fatalf("default historyLimit lost: %d", cfg.Context.HistoryLimit)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("AGENTRELAY_TEST_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"completion": {"provider": "openai", "apiKey": "${AGENTRELAY_TEST_KEY}", "defaultModel": "${AGENTRELAY_UNSET_MODEL:-gpt-4o}", "temperature": 0.2, "maxTokens": 300}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Completion.APIKey != "sk-from-env" {
		t.Fatalf("apiKey = %q", cfg.Completion.APIKey)
	}
	if cfg.Completion.DefaultModel != "gpt-4o" {
		t.Fatalf("defaultModel = %q", cfg.Completion.DefaultModel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestFlexStringList_MixedTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"channels": {"telegram": {"allowFrom": ["123", 456]}}}`
	os.WriteFile(path, []byte(data), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.Channels.Telegram.AllowFrom
	if len(got) != 2 || got[0] != "123" || got[1] != "456" {
		t.Fatalf("allowFrom = %v", got)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	val, err := GetByPath(Defaults(), "completion.provider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "openai" {
		t.Fatalf("expected 'openai', got %v", val)
	}

	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_Coercion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "context.historyLimit", "20"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Context.HistoryLimit != 20 {
		t.Fatalf("expected 20, got %d", cfg.Context.HistoryLimit)
	}
	if err := SetByPath(cfg, "retry.jitter", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Retry.Jitter {
		t.Fatal("expected retry.jitter=true")
	}
}

func TestSetByPath_NumericStringField(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "channels.telegram.agentId", "42"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Channels.Telegram.AgentID != "42" {
		t.Fatalf("expected agentId 42, got %q", cfg.Channels.Telegram.AgentID)
	}
}

func TestSetByPath_RejectsInvalidResult(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "retry.maxRetries", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("config must be unchanged on error, got %d", cfg.Retry.MaxRetries)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Completion.APIKey = "sk-1234567890abcdefghijklmnop"
	cfg.Channels.WhatsApp.AccessToken = "EAAGm0PX4ZCpsBAKZCZCZCZ"

	sanitized := Sanitize(cfg)

	if sanitized.Completion.APIKey == cfg.Completion.APIKey {
		t.Fatal("api key not masked")
	}
	if !strings.HasPrefix(sanitized.Completion.APIKey, "sk-1") || !strings.Contains(sanitized.Completion.APIKey, "****") {
		t.Fatalf("unexpected mask: %q", sanitized.Completion.APIKey)
	}
	if sanitized.Channels.WhatsApp.AccessToken == cfg.Channels.WhatsApp.AccessToken {
		t.Fatal("whatsapp token not masked")
	}
	if cfg.Completion.APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config must not be modified")
	}
}

func TestListPaths_Sorted(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected paths")
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1].Path > paths[i].Path {
			t.Fatalf("not sorted at %d: %s > %s", i, paths[i-1].Path, paths[i].Path)
		}
	}
}

func TestFallbackFor(t *testing.T) {
	f := Defaults().Fallback
	if got := f.FallbackFor("pt-BR"); !strings.HasPrefix(got, "Desculpe") {
		t.Fatalf("pt-BR fallback = %q", got)
	}
	if got := f.FallbackFor("en"); got != f.Message {
		t.Fatalf("default fallback = %q", got)
	}
}
