package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"

	"gopkg.in/yaml.v3"
)

// --- Agents ---

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, role, model, system_prompt, personality, settings, capabilities,
		        channels, status, last_error, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	return &a, nil
}

// SetStatus records an operational status change, e.g. flagging an agent
// after a fatal upstream error.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status domain.AgentStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	s.logger.Info("agent status changed", "agent", id, "status", status)
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, a domain.Agent) error {
	if a.Status == "" {
		a.Status = domain.AgentActive
	}
	if err := a.Validate(); err != nil {
		return err
	}
	personality, _ := json.Marshal(a.Personality)
	settings, _ := json.Marshal(a.Settings)
	capabilities, _ := json.Marshal(a.Capabilities)
	channels, err := json.Marshal(a.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, role, model, system_prompt, personality, settings,
		                     capabilities, channels, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     description = excluded.description,
		     role = excluded.role,
		     model = excluded.model,
		     system_prompt = excluded.system_prompt,
		     personality = excluded.personality,
		     settings = excluded.settings,
		     capabilities = excluded.capabilities,
		     channels = excluded.channels,
		     status = excluded.status,
		     last_error = excluded.last_error,
		     updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Description, string(a.Role), a.Model, a.SystemPrompt, string(personality), string(settings),
		string(capabilities), string(channels), string(a.Status), a.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, role, model, system_prompt, personality, settings, capabilities,
		        channels, status, last_error, created_at, updated_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(r rowScanner) (domain.Agent, error) {
	var (
		a                                             domain.Agent
		role, status                                  string
		personality, settings, capabilities, channels string
		description, lastError                        sql.NullString
	)
	if err := r.Scan(&a.ID, &a.Name, &description, &role, &a.Model, &a.SystemPrompt, &personality, &settings,
		&capabilities, &channels, &status, &lastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.Role = domain.AgentRole(role)
	a.Status = domain.AgentStatus(status)
	a.Description = description.String
	a.LastError = lastError.String
	for _, f := range []struct {
		raw string
		dst any
	}{
		{personality, &a.Personality},
		{settings, &a.Settings},
		{capabilities, &a.Capabilities},
		{channels, &a.Channels},
	} {
		if f.raw == "" || f.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return a, fmt.Errorf("decode agent %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// --- Catalogue ---

// agentCatalog is the YAML file format for bulk agent definitions.
type agentCatalog struct {
	Agents []domain.Agent `yaml:"agents"`
}

// LoadAgentCatalog reads agent definitions from a YAML file. Agents without
// a status are active.
func LoadAgentCatalog(path string) ([]domain.Agent, error) {
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read agent catalogue: %w", err)
	}
	var cat agentCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse agent catalogue %s: %w", path, err)
	}
	seen := make(map[string]bool, len(cat.Agents))
	for i := range cat.Agents {
		a := &cat.Agents[i]
		if a.Status == "" {
			a.Status = domain.AgentActive
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent catalogue %s: duplicate id %q", path, a.ID)
		}
		seen[a.ID] = true
	}
	return cat.Agents, nil
}

// ImportAgents upserts every agent of the catalogue and returns how many
// were written.
func (s *SQLiteStore) ImportAgents(ctx context.Context, path string) (int, error) {
	agents, err := LoadAgentCatalog(path)
	if err != nil {
		return 0, err
	}
	for _, a := range agents {
		if err := s.Upsert(ctx, a); err != nil {
			return 0, err
		}
	}
	s.logger.Info("agent catalogue imported", "path", path, "agents", len(agents))
	return len(agents), nil
}
