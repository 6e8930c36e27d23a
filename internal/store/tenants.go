package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/clinicflow/agent-gateway/internal/model"
)

const channelColumns = `id::text, tenant_id::text, provider, phone_number, credentials, created_at`

func scanChannel(row pgx.Row) (*model.ChannelConnection, error) {
	var (
		conn  model.ChannelConnection
		creds []byte
	)
	if err := row.Scan(&conn.ID, &conn.TenantID, &conn.Provider, &conn.PhoneNumber, &creds, &conn.CreatedAt); err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &conn.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return &conn, nil
}

// ChannelByPhone returns the connection bound to a normalized receiving number.
func (s *Store) ChannelByPhone(ctx context.Context, phone string) (*model.ChannelConnection, error) {
	conn, err := scanChannel(s.db.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE phone_number = $1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by phone: %w", err)
	}
	return conn, nil
}

// ChannelByID returns one connection by id.
func (s *Store) ChannelByID(ctx context.Context, id string) (*model.ChannelConnection, error) {
	conn, err := scanChannel(s.db.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by id: %w", err)
	}
	return conn, nil
}

// ChannelForTenant returns the tenant's oldest channel connection. Used for
// queue entries recorded before the receiving connection was tracked.
func (s *Store) ChannelForTenant(ctx context.Context, tenantID string) (*model.ChannelConnection, error) {
	conn, err := scanChannel(s.db.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE tenant_id = $1 ORDER BY created_at LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel for tenant: %w", err)
	}
	return conn, nil
}

// ChannelsByProvider lists every connection of one provider kind.
func (s *Store) ChannelsByProvider(ctx context.Context, provider model.Provider) ([]model.ChannelConnection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+channelColumns+` FROM channel_connections WHERE provider = $1`, string(provider))
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var conns []model.ChannelConnection
	for rows.Next() {
		conn, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// AgentConfig returns the tenant's assistant configuration.
func (s *Store) AgentConfig(ctx context.Context, tenantID string) (*model.AgentConfig, error) {
	var cfg model.AgentConfig
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id::text, is_active, system_prompt, model, enabled_tools, knowledge_base_enabled
		FROM agent_configs WHERE tenant_id = $1`, tenantID,
	).Scan(&cfg.TenantID, &cfg.IsActive, &cfg.SystemPrompt, &cfg.Model, &cfg.EnabledTools, &cfg.KnowledgeBaseEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent config: %w", err)
	}
	return &cfg, nil
}

// SearchKnowledge returns up to limit tenant articles whose title contains any keyword.
func (s *Store) SearchKnowledge(ctx context.Context, tenantID string, keywords []string, limit int) ([]model.KnowledgeArticle, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	patterns := make([]string, len(keywords))
	for i, kw := range keywords {
		patterns[i] = "%" + kw + "%"
	}

	rows, err := s.db.Query(ctx, `
		SELECT id::text, title, content FROM knowledge_articles
		WHERE tenant_id = $1 AND title ILIKE ANY($2)
		ORDER BY title
		LIMIT $3`, tenantID, patterns, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var articles []model.KnowledgeArticle
	for rows.Next() {
		var a model.KnowledgeArticle
		if err := rows.Scan(&a.ID, &a.Title, &a.Content); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
