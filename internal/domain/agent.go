package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AgentRole describes the job an agent is configured for.
type AgentRole string

const (
	RoleCustomerService   AgentRole = "customer_service"
	RoleTaskExecution     AgentRole = "task_execution"
	RolePersonalAssistant AgentRole = "personal_assistant"
	RoleTechSupport       AgentRole = "tech_support"
	RoleProjectManager    AgentRole = "project_manager"
)

// AgentStatus is the operational state of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentError    AgentStatus = "error"
)

// Personality holds tone and language hints folded into the system turn.
type Personality struct {
	Tone     string `json:"tone,omitempty" yaml:"tone,omitempty"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
}

// AgentSettings are per-agent completion knobs. Unset values fall back to
// the configured defaults; a nil Temperature differs from an explicit 0.
type AgentSettings struct {
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	ContextWindow int     `json:"contextWindow,omitempty" yaml:"contextWindow,omitempty"`
}

// Capabilities are declarative only; nothing in the routing path gates on them.
type Capabilities struct {
	FileProcessing  bool `json:"fileProcessing,omitempty" yaml:"fileProcessing,omitempty"`
	ImageGeneration bool `json:"imageGeneration,omitempty" yaml:"imageGeneration,omitempty"`
	InternetAccess  bool `json:"internetAccess,omitempty" yaml:"internetAccess,omitempty"`
	CodeExecution   bool `json:"codeExecution,omitempty" yaml:"codeExecution,omitempty"`
}

// ChannelSettings are an agent's integration settings for one channel.
type ChannelSettings struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Agent is a configured conversational persona. The routing core treats it
// as read-only except for Status/LastError.
type Agent struct {
	ID           string                      `json:"id" yaml:"id"`
	Name         string                      `json:"name" yaml:"name"`
	Description  string                      `json:"description,omitempty" yaml:"description,omitempty"`
	Role         AgentRole                   `json:"role" yaml:"role"`
	Model        string                      `json:"model" yaml:"model"`
	Personality  Personality                 `json:"personality" yaml:"personality"`
	SystemPrompt string                      `json:"systemPrompt" yaml:"systemPrompt"`
	Settings     AgentSettings               `json:"settings" yaml:"settings"`
	Capabilities Capabilities                `json:"capabilities" yaml:"capabilities"`
	Channels     map[Channel]ChannelSettings `json:"channels,omitempty" yaml:"channels,omitempty"`
	Status       AgentStatus                 `json:"status" yaml:"status"`
	LastError    string                      `json:"lastError,omitempty" yaml:"-"`
	CreatedAt    time.Time                   `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time                   `json:"updatedAt" yaml:"-"`
}

// Validate checks the fields every agent must carry.
func (a *Agent) Validate() error {
	var errs []string
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, "id is required")
	}
	if strings.TrimSpace(a.Model) == "" {
		errs = append(errs, "model is required")
	}
	if strings.TrimSpace(a.SystemPrompt) == "" {
		errs = append(errs, "systemPrompt is required")
	}
	switch a.Role {
	case RoleCustomerService, RoleTaskExecution, RolePersonalAssistant, RoleTechSupport, RoleProjectManager:
	default:
		errs = append(errs, fmt.Sprintf("unknown role %q", a.Role))
	}
	switch a.Status {
	case AgentActive, AgentInactive, AgentError:
	default:
		errs = append(errs, fmt.Sprintf("unknown status %q", a.Status))
	}
	for ch := range a.Channels {
		if !ch.Valid() {
			errs = append(errs, fmt.Sprintf("unknown channel %q", ch))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("agent %q: %s", a.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Serves reports whether the agent accepts traffic on ch. An agent with no
// channel settings serves every channel; an inactive agent serves none.
func (a *Agent) Serves(ch Channel) bool {
	if a.Status == AgentInactive {
		return false
	}
	if len(a.Channels) == 0 {
		return true
	}
	s, ok := a.Channels[ch]
	return ok && s.Enabled
}

// AgentRepository resolves agents by id.
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*Agent, error)
	SetStatus(ctx context.Context, id string, status AgentStatus, lastError string) error
	Upsert(ctx context.Context, agent Agent) error
	List(ctx context.Context) ([]Agent, error)
}
