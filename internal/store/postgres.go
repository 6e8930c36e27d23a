// Package store persists tenants, contacts, conversation turns and pending
// queue entries in Postgres, and calls the clinic's backend procedures.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed repository of the agent gateway.
type Store struct {
	db  DBTX
	now func() time.Time
}

// New creates a store on top of a pool or transaction.
func New(db DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

// NewPool opens and verifies a connection pool.
func NewPool(ctx context.Context, connString string, maxConns int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

var migrations = []struct {
	name string
	ddl  string
}{
	{"tenants", `
		CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"channel_connections", `
		CREATE TABLE IF NOT EXISTS channel_connections (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(id),
			provider TEXT NOT NULL,
			phone_number TEXT NOT NULL UNIQUE,
			credentials JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"agent_configs", `
		CREATE TABLE IF NOT EXISTS agent_configs (
			tenant_id UUID PRIMARY KEY REFERENCES tenants(id),
			is_active BOOLEAN NOT NULL DEFAULT true,
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			enabled_tools TEXT[] NOT NULL DEFAULT '{}',
			knowledge_base_enabled BOOLEAN NOT NULL DEFAULT false
		)`},
	{"persons", `
		CREATE TABLE IF NOT EXISTS persons (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(id),
			full_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			subscription_end_date DATE
		)`},
	{"contacts", `
		CREATE TABLE IF NOT EXISTS contacts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(id),
			phone_number TEXT NOT NULL,
			person_id UUID REFERENCES persons(id) ON DELETE SET NULL,
			ai_enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, phone_number)
		)`},
	{"conversation_turns", `
		CREATE TABLE IF NOT EXISTS conversation_turns (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			direction TEXT NOT NULL CHECK (direction IN ('user', 'agent')),
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{"conversation_turns_idx", `
		CREATE INDEX IF NOT EXISTS conversation_turns_contact_created_idx
			ON conversation_turns (contact_id, created_at DESC)`},
	{"pending_queue", `
		CREATE TABLE IF NOT EXISTS pending_queue (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL,
			contact_id UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			messages TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_at TIMESTAMPTZ
		)`},
	{"pending_queue_channel", `
		ALTER TABLE pending_queue ADD COLUMN IF NOT EXISTS
			channel_connection_id UUID REFERENCES channel_connections(id) ON DELETE SET NULL`},
	{"pending_queue_open_idx", `
		CREATE UNIQUE INDEX IF NOT EXISTS pending_queue_open_contact_idx
			ON pending_queue (contact_id) WHERE claimed_at IS NULL`},
	{"knowledge_articles", `
		CREATE TABLE IF NOT EXISTS knowledge_articles (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(id),
			title TEXT NOT NULL,
			content TEXT NOT NULL
		)`},
}

// Migrate creates the tables owned by the gateway. Backend procedures are
// owned by the clinic records side and are not created here.
func Migrate(ctx context.Context, db DBTX) error {
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.ddl); err != nil {
			return fmt.Errorf("create %s: %w", m.name, err)
		}
	}
	return nil
}
