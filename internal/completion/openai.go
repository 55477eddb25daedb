package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/domain"

	"github.com/sashabaranov/go-openai"
)

// OpenAI is a domain.CompletionService backed by any OpenAI-compatible
// chat completions endpoint.
type OpenAI struct {
	name   string
	client *openai.Client
	model  string
	logger *slog.Logger
}

type OpenAIConfig struct {
	Name         string // label used in logs and errors (default: openai)
	APIKey       string
	APIBase      string
	DefaultModel string
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}
	clientConfig.HTTPClient = newHTTPClient(cfg.Timeout)

	return &OpenAI{
		name:   cfg.Name,
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.DefaultModel,
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

// Healthy lists models as a cheap authenticated round trip.
func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return o.classify(err)
	}
	return nil
}

func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, t := range req.Turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: roleFor(t.Role), Content: t.Content})
	}

	// The request field is omitempty; a tiny non-zero value keeps an
	// explicit 0 on the wire.
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, o.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewFatal(o.name, domain.CodeEmptyResponse, "completion returned no choices")
	}
	if strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, domain.NewFatal(o.name, domain.CodeEmptyResponse,
			fmt.Sprintf("completion returned no text (finish_reason=%s)", resp.Choices[0].FinishReason))
	}

	latency := time.Since(start)
	o.logger.Debug("completion finished",
		"backend", o.name,
		"model", model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"latency", latency,
	)

	return &domain.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: latency.Milliseconds(),
	}, nil
}

func roleFor(r domain.TurnRole) string {
	switch r {
	case domain.TurnSystem:
		return openai.ChatMessageRoleSystem
	case domain.TurnAgent:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// classify turns the client's error envelopes into *domain.UpstreamError so
// the retry policy can tell transient failures from fatal ones. Transport
// errors are returned as they are.
func (o *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeString(apiErr.Code)
		if code == "" {
			code = apiErr.Type
		}
		return &domain.UpstreamError{
			Service:   o.name,
			Status:    apiErr.HTTPStatusCode,
			Code:      code,
			Message:   apiErr.Message,
			Retryable: retryable(apiErr.HTTPStatusCode, code),
			Err:       err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &domain.UpstreamError{
			Service:   o.name,
			Status:    reqErr.HTTPStatusCode,
			Message:   msg,
			Retryable: retryable(reqErr.HTTPStatusCode, ""),
			Err:       err,
		}
	}
	return fmt.Errorf("%s request: %w", o.name, err)
}

func retryable(status int, code string) bool {
	switch code {
	case "insufficient_quota", "invalid_api_key", "model_not_found", "context_length_exceeded":
		return false
	case "rate_limit_exceeded", "timeout", "server_error", "service_unavailable":
		return true
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status >= 500:
		return true
	}
	return false
}

func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
