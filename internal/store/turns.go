package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicflow/agent-gateway/internal/model"
)

// RecentTurns returns up to limit most recent turns of a contact, oldest first.
func (s *Store) RecentTurns(ctx context.Context, contactID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, tenant_id::text, contact_id::text, direction, body, created_at
		FROM conversation_turns
		WHERE contact_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ContactID, &t.Direction, &t.Body, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendTurn persists a turn, assigning its id and timestamp when unset.
func (s *Store) AppendTurn(ctx context.Context, turn *model.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.Must(uuid.NewV7()).String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns (id, tenant_id, contact_id, direction, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID, turn.TenantID, turn.ContactID, string(turn.Direction), turn.Body, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

const queueColumns = `id::text, tenant_id::text, COALESCE(channel_connection_id::text, ''), contact_id::text, messages, created_at, claimed_at`

func scanQueueEntry(row pgx.Row) (*model.QueueEntry, error) {
	var e model.QueueEntry
	if err := row.Scan(&e.ID, &e.TenantID, &e.ChannelID, &e.ContactID, &e.Messages, &e.CreatedAt, &e.ClaimedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// EnqueuePending appends a body to the contact's open queue entry, creating
// one if needed. At most one open entry exists per contact; the entry
// remembers the connection the latest message arrived on.
func (s *Store) EnqueuePending(ctx context.Context, tenantID, channelID, contactID, body string) (*model.QueueEntry, error) {
	entry, err := scanQueueEntry(s.db.QueryRow(ctx, `
		INSERT INTO pending_queue AS q (id, tenant_id, channel_connection_id, contact_id, messages, created_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, ARRAY[$5::text], $6)
		ON CONFLICT (contact_id) WHERE claimed_at IS NULL
		DO UPDATE SET
			messages = array_append(q.messages, $5::text),
			channel_connection_id = EXCLUDED.channel_connection_id
		RETURNING `+queueColumns,
		uuid.NewString(), tenantID, channelID, contactID, body, s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("enqueue pending message: %w", err)
	}
	return entry, nil
}

// ErrAlreadyClaimed is returned when a queue entry is missing or owned by another worker.
var ErrAlreadyClaimed = errors.New("queue entry already claimed")

// ClaimQueueEntry atomically marks an unclaimed entry as in progress.
func (s *Store) ClaimQueueEntry(ctx context.Context, entryID string) (*model.QueueEntry, error) {
	entry, err := scanQueueEntry(s.db.QueryRow(ctx, `
		UPDATE pending_queue SET claimed_at = $2
		WHERE id = $1 AND claimed_at IS NULL
		RETURNING `+queueColumns, entryID, s.now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return entry, nil
}

// DeleteQueueEntry removes an entry. Deleting a missing entry is a no-op.
func (s *Store) DeleteQueueEntry(ctx context.Context, entryID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM pending_queue WHERE id = $1`, entryID); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

// withClock overrides the store clock. Used by tests.
func (s *Store) withClock(now func() time.Time) *Store {
	s.now = now
	return s
}
