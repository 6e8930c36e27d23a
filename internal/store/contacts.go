package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicflow/agent-gateway/internal/model"
)

const (
	personColumns  = `id::text, tenant_id::text, full_name, phone_number, subscription_end_date`
	contactColumns = `id::text, tenant_id::text, phone_number, person_id::text, ai_enabled, created_at`
)

func scanPerson(row pgx.Row) (*model.Person, error) {
	var p model.Person
	if err := row.Scan(&p.ID, &p.TenantID, &p.FullName, &p.PhoneNumber, &p.SubscriptionEndDate); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.PhoneNumber, &c.PersonID, &c.AIEnabled, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// PersonByPhone finds a registered person of the tenant by normalized phone number.
func (s *Store) PersonByPhone(ctx context.Context, tenantID, phone string) (*model.Person, error) {
	p, err := scanPerson(s.db.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE tenant_id = $1 AND phone_number = $2 LIMIT 1`, tenantID, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person by phone: %w", err)
	}
	return p, nil
}

// PersonByID loads a person scoped to the tenant.
func (s *Store) PersonByID(ctx context.Context, tenantID, personID string) (*model.Person, error) {
	p, err := scanPerson(s.db.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE tenant_id = $1 AND id = $2`, tenantID, personID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// UpsertContact creates the contact on first contact or links a newly known person.
// An existing person link is never cleared here.
func (s *Store) UpsertContact(ctx context.Context, tenantID, phone string, personID *string) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant_id, phone_number, person_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, phone_number)
		DO UPDATE SET person_id = COALESCE(EXCLUDED.person_id, contacts.person_id)
		RETURNING `+contactColumns,
		uuid.NewString(), tenantID, phone, personID))
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return c, nil
}

// ContactByID loads a contact by id.
func (s *Store) ContactByID(ctx context.Context, contactID string) (*model.Contact, error) {
	c, err := scanContact(s.db.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, contactID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}
