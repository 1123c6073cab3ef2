// agents.go — agents, LLM providers, and prompt templates.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cytzrs/share/pkg/types"
)

// CreateAgent inserts an agent together with its starting portfolio (cash
// equal to initial_cash, no positions) in one transaction.
func (s *Store) CreateAgent(ctx context.Context, a *types.Agent) error {
	now := time.Now().In(types.CST)
	a.CreatedAt, a.UpdatedAt = now, now
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_agents
				(agent_id, name, initial_cash, provider_id, llm_model, template_id, schedule_type, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, fmtDec(a.InitialCash), a.ProviderID, a.ModelName, a.TemplateID,
			string(a.ScheduleType), string(a.Status), fmtTime(now), fmtTime(now),
		); err != nil {
			return fmt.Errorf("store: insert agent: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO portfolios (agent_id, cash) VALUES (?, ?)`,
			a.ID, fmtDec(a.InitialCash),
		); err != nil {
			return fmt.Errorf("store: insert portfolio: %w", err)
		}
		return nil
	})
}

// GetAgent loads one agent by id. Soft-deleted agents are still returned;
// callers check Status.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, name, initial_cash, COALESCE(provider_id,''), llm_model,
		       COALESCE(template_id,''), schedule_type, status, created_at, updated_at
		FROM model_agents WHERE agent_id = ?`, id)
	return scanAgent(row)
}

// ListActiveAgents returns all agents with status=active.
func (s *Store) ListActiveAgents(ctx context.Context) ([]types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, initial_cash, COALESCE(provider_id,''), llm_model,
		       COALESCE(template_id,''), schedule_type, status, created_at, updated_at
		FROM model_agents WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list active agents: %w", err)
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus flips the soft status flag. Deletion is a status change,
// never a row removal.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE model_agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*types.Agent, error) {
	var a types.Agent
	var initialCash, schedule, status, created, updated string
	if err := r.Scan(&a.ID, &a.Name, &initialCash, &a.ProviderID, &a.ModelName,
		&a.TemplateID, &schedule, &status, &created, &updated); err != nil {
		return nil, err
	}
	a.InitialCash = parseDec(initialCash)
	a.ScheduleType = types.ScheduleType(schedule)
	a.Status = types.AgentStatus(status)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// ————————————————————————————— providers —————————————————————————————

// UpsertProvider inserts or replaces one LLM provider row.
func (s *Store) UpsertProvider(ctx context.Context, p *types.Provider) error {
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_providers (provider_id, name, protocol, api_url, api_key, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			name = excluded.name, protocol = excluded.protocol,
			api_url = excluded.api_url, api_key = excluded.api_key,
			enabled = excluded.enabled`,
		p.ID, p.Name, string(p.Protocol), p.APIURL, p.APIKey, enabled)
	if err != nil {
		return fmt.Errorf("store: upsert provider: %w", err)
	}
	return nil
}

// GetProvider loads one provider row.
func (s *Store) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	var p types.Provider
	var protocol string
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_id, name, protocol, api_url, api_key, enabled
		FROM llm_providers WHERE provider_id = ?`, id).
		Scan(&p.ID, &p.Name, &protocol, &p.APIURL, &p.APIKey, &enabled)
	if err != nil {
		return nil, err
	}
	p.Protocol = types.Protocol(protocol)
	p.Enabled = enabled != 0
	return &p, nil
}

// ————————————————————————————— templates —————————————————————————————

// SaveTemplate inserts a template or bumps an existing one's version.
func (s *Store) SaveTemplate(ctx context.Context, t *types.PromptTemplate) error {
	now := time.Now().In(types.CST)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_templates (template_id, name, content, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(template_id) DO UPDATE SET
			name = excluded.name, content = excluded.content,
			version = prompt_templates.version + 1, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Content, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("store: save template: %w", err)
	}
	return nil
}

// GetTemplate loads one prompt template.
func (s *Store) GetTemplate(ctx context.Context, id string) (*types.PromptTemplate, error) {
	var t types.PromptTemplate
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT template_id, name, content, version, created_at, updated_at
		FROM prompt_templates WHERE template_id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Content, &t.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}
