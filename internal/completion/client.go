// Package completion talks to the language-completion service on behalf of
// agents.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentrelay/internal/bus"
	"agentrelay/internal/domain"
	"agentrelay/internal/retry"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Client builds completion requests for an agent and runs them under the
// retry policy.
type Client struct {
	service     domain.CompletionService
	policy      *retry.Policy
	temperature float64
	maxTokens   int
	events      *bus.EventBus
	logger      *slog.Logger
}

type ClientConfig struct {
	Service     domain.CompletionService
	Policy      *retry.Policy
	Temperature *float64 // nil uses DefaultTemperature
	MaxTokens   int
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	temperature := DefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.NewPolicy(retry.DefaultMaxRetries, retry.DefaultBaseDelay, cfg.Logger)
	}
	return &Client{
		service:     cfg.Service,
		policy:      cfg.Policy,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		events:      cfg.Events,
		logger:      cfg.Logger,
	}
}

// GenerateReply asks the completion service for the agent's next turn. A
// leading system turn becomes the request's system prompt; otherwise the
// agent's own system prompt is used.
func (c *Client) GenerateReply(ctx context.Context, agent *domain.Agent, turns []domain.ChatTurn) (string, error) {
	req := domain.CompletionRequest{
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		Turns:        turns,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
	if len(turns) > 0 && turns[0].Role == domain.TurnSystem {
		req.SystemPrompt = turns[0].Content
		req.Turns = turns[1:]
	}
	if agent.Settings.Temperature != nil {
		req.Temperature = *agent.Settings.Temperature
	}
	if agent.Settings.MaxTokens > 0 {
		req.MaxTokens = agent.Settings.MaxTokens
	}

	attempts := 0
	start := time.Now()
	resp, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*domain.CompletionResponse, error) {
		attempts++
		return c.service.Complete(ctx, req)
	})
	c.emit(agent, attempts, time.Since(start), resp, err)
	if err != nil {
		return "", fmt.Errorf("completion for agent %s: %w", agent.ID, err)
	}
	return resp.Content, nil
}

// Summarize is a single-shot completion with no conversation history.
func (c *Client) Summarize(ctx context.Context, agent *domain.Agent, prompt string) (string, error) {
	return c.GenerateReply(ctx, agent, []domain.ChatTurn{{Role: domain.TurnCounterpart, Content: prompt}})
}

// Healthy checks the backing service.
func (c *Client) Healthy(ctx context.Context) error {
	return c.service.Healthy(ctx)
}

func (c *Client) emit(agent *domain.Agent, attempts int, elapsed time.Duration, resp *domain.CompletionResponse, err error) {
	if c.events == nil {
		return
	}
	payload := map[string]any{
		"agent":    agent.ID,
		"model":    agent.Model,
		"backend":  c.service.Name(),
		"attempts": attempts,
		"duration": elapsed,
		"outcome":  outcomeLabel(err),
	}
	if resp != nil {
		payload["tokens"] = resp.Usage.TotalTokens
	}
	c.events.Emit(bus.Event{Type: bus.EventCompletionFinished, Source: "completion", Payload: payload})
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrExhaustedRetries):
		return "exhausted"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "aborted"
	case errors.Is(err, domain.ErrFatalUpstream):
		return "fatal"
	}
	return "error"
}
