package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			UnitTimeoutSeconds: 60,
			MaxConcurrentUnits: 16,
			MetricsPath:        "/metrics",
		},
		Completion: CompletionConfig{
			Provider:           "openai",
			DefaultModel:       "gpt-4o-mini",
			Temperature:        0.7,
			MaxTokens:          1000,
			TimeoutSeconds:     60,
			RateLimitPerMinute: 60,
			Burst:              10,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		Context: ContextConfig{
			HistoryLimit: 10,
		},
		Store: StoreConfig{
			DBPath: "~/.agentrelay/agentrelay.db",
		},
		Dedupe: DedupeConfig{
			TTLSeconds: 3600,
			MaxEntries: 10000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Mode:        "poll",
				WebhookPath: "/webhook/telegram",
				PollTimeout: 30,
				ParseMode:   "Markdown",
			},
			WhatsApp: WhatsAppConfig{
				APIBase:     "https://graph.facebook.com/v21.0",
				WebhookPath: "/webhook/whatsapp",
			},
			Marketplace: MarketplaceConfig{
				WebhookPath: "/webhook/marketplace",
			},
		},
		Fallback: FallbackConfig{
			Message: "Sorry, I'm having trouble answering right now. Please try again in a moment.",
			Messages: map[string]string{
				"pt-BR": "Desculpe, estou tendo problemas para processar sua mensagem no momento.",
			},
		},
	}
}

// FallbackFor returns the apology for the given agent language.
func (f FallbackConfig) FallbackFor(language string) string {
	if msg, ok := f.Messages[language]; ok && msg != "" {
		return msg
	}
	return f.Message
}
