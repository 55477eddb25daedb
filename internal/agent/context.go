package agent

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"agentrelay/internal/domain"

	"github.com/tiktoken-go/tokenizer"
)

const defaultHistoryLimit = 10

// ContextBuilder turns a conversation into the turns sent to the completion
// service: one system turn followed by at most HistoryLimit messages.
type ContextBuilder struct {
	historyLimit    int
	maxPromptTokens int
	codec           tokenizer.Codec
	logger          *slog.Logger
}

type ContextBuilderConfig struct {
	HistoryLimit int
	// MaxPromptTokens > 0 drops the oldest history turns until the estimated
	// prompt fits. The newest turn is always kept.
	MaxPromptTokens int
	Logger          *slog.Logger
}

func NewContextBuilder(cfg ContextBuilderConfig) *ContextBuilder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cb := &ContextBuilder{
		historyLimit:    cfg.HistoryLimit,
		maxPromptTokens: cfg.MaxPromptTokens,
		logger:          cfg.Logger,
	}
	if cfg.MaxPromptTokens > 0 {
		codec, err := tokenizer.ForModel(tokenizer.GPT4)
		if err != nil {
			cfg.Logger.Warn("tokenizer unavailable, estimating by length", "err", err)
		} else {
			cb.codec = codec
		}
	}
	return cb
}

// HistoryLimit is the number of stored messages Build looks at.
func (cb *ContextBuilder) HistoryLimit() int { return cb.historyLimit }

// Build returns the system turn plus the last HistoryLimit messages of conv
// in chronological order.
func (cb *ContextBuilder) Build(agent *domain.Agent, conv *domain.Conversation) []domain.ChatTurn {
	msgs := conv.Messages
	if len(msgs) > cb.historyLimit {
		msgs = msgs[len(msgs)-cb.historyLimit:]
	}

	turns := make([]domain.ChatTurn, 0, len(msgs)+1)
	turns = append(turns, domain.ChatTurn{Role: domain.TurnSystem, Content: systemTurn(agent, conv)})
	for i := range msgs {
		role := domain.TurnCounterpart
		if msgs[i].SenderID == agent.ID {
			role = domain.TurnAgent
		}
		turns = append(turns, domain.ChatTurn{Role: role, Content: msgs[i].Content()})
	}

	if cb.maxPromptTokens > 0 {
		turns = cb.fit(turns)
	}
	return turns
}

func (cb *ContextBuilder) fit(turns []domain.ChatTurn) []domain.ChatTurn {
	counts := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		counts[i] = cb.count(t.Content)
		total += counts[i]
	}
	dropped := 0
	for total > cb.maxPromptTokens && len(turns)-dropped > 2 {
		total -= counts[1+dropped]
		dropped++
	}
	if dropped == 0 {
		return turns
	}
	cb.logger.Debug("history trimmed to token budget", "dropped", dropped, "tokens", total)
	return slices.Delete(turns, 1, 1+dropped)
}

func (cb *ContextBuilder) count(text string) int {
	if cb.codec != nil {
		if n, err := cb.codec.Count(text); err == nil {
			return n
		}
	}
	return len(text)/4 + 1
}

func systemTurn(agent *domain.Agent, conv *domain.Conversation) string {
	var sb strings.Builder
	sb.WriteString(agent.SystemPrompt)

	if p := agent.Personality; p.Tone != "" || p.Language != "" {
		sb.WriteString("\n\nStyle:")
		if p.Tone != "" {
			fmt.Fprintf(&sb, "\n- Tone: %s", p.Tone)
		}
		if p.Language != "" {
			fmt.Fprintf(&sb, "\n- Reply in: %s", p.Language)
		}
	}

	sb.WriteString("\n\nConversation context:")
	fmt.Fprintf(&sb, "\n- Conversation ID: %s", conv.ID)
	fmt.Fprintf(&sb, "\n- Platform: %s", conv.Channel)
	if !conv.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "\n- Started: %s", conv.CreatedAt.UTC().Format(time.RFC3339))
	}
	if name := conv.Metadata["name"]; name != "" {
		fmt.Fprintf(&sb, "\n- Participant: %s", name)
	}
	return sb.String()
}
