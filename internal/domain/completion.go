package domain

import "context"

// TurnRole is the role of a chat turn as seen by the completion service.
type TurnRole string

const (
	TurnSystem      TurnRole = "system"
	TurnCounterpart TurnRole = "counterpart"
	TurnAgent       TurnRole = "agent"
)

// ChatTurn is one entry of the context sent to the completion service.
type ChatTurn struct {
	Role    TurnRole
	Content string
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Turns        []ChatTurn
	Temperature  float64
	MaxTokens    int
}

type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionService is the external language-completion backend.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}
