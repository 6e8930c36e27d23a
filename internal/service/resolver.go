// Package service wires inbound events through identity resolution, the
// response gate, the agent loop and reply dispatch.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/internal/store"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
)

var (
	// ErrChannelNotFound is returned when no tenant owns the receiving number.
	ErrChannelNotFound = errors.New("channel connection not found")
	// ErrContactNotFound is returned when a queued contact no longer exists.
	ErrContactNotFound = errors.New("contact not found")
	// ErrMisconfigured is returned when a tenant's channel cannot be served.
	ErrMisconfigured = errors.New("channel misconfigured")
)

// Gate reasons.
const (
	ReasonOK                 = "ok"
	ReasonAgentInactive      = "agent_inactive"
	ReasonAgentMissing       = "agent_not_configured"
	ReasonContactAIDisabled  = "contact_ai_disabled"
	ReasonSubscriptionLapsed = "subscription_lapsed"
)

// Directory is the identity and configuration lookup surface.
type Directory interface {
	ChannelByPhone(ctx context.Context, phone string) (*model.ChannelConnection, error)
	ChannelByID(ctx context.Context, id string) (*model.ChannelConnection, error)
	ChannelForTenant(ctx context.Context, tenantID string) (*model.ChannelConnection, error)
	ChannelsByProvider(ctx context.Context, provider model.Provider) ([]model.ChannelConnection, error)
	AgentConfig(ctx context.Context, tenantID string) (*model.AgentConfig, error)
	PersonByPhone(ctx context.Context, tenantID, phone string) (*model.Person, error)
	PersonByID(ctx context.Context, tenantID, personID string) (*model.Person, error)
	UpsertContact(ctx context.Context, tenantID, phone string, personID *string) (*model.Contact, error)
	ContactByID(ctx context.Context, contactID string) (*model.Contact, error)
}

// Resolution is the identity and policy outcome for one inbound turn.
type Resolution struct {
	Channel *model.ChannelConnection
	Config  *model.AgentConfig
	Contact *model.Contact
	Person  *model.Person
	Respond bool
	Reason  string
}

// Resolver maps phone numbers to tenants, contacts and persons and evaluates
// the response gate. Nothing is cached between calls.
type Resolver struct {
	dir         Directory
	verifyToken string
	now         func() time.Time
	log         *logger.Logger
}

// NewResolver creates a resolver. verifyToken is the process-wide webhook
// verification token, accepted alongside per-connection tokens.
func NewResolver(dir Directory, verifyToken string, log *logger.Logger) *Resolver {
	return &Resolver{
		dir:         dir,
		verifyToken: verifyToken,
		now:         time.Now,
		log:         log.Named("resolver"),
	}
}

// Resolve handles an inbound message from sender to the receiving number to.
func (r *Resolver) Resolve(ctx context.Context, to, from string) (*Resolution, error) {
	conn, err := r.channelByPhone(ctx, to)
	if err != nil {
		return nil, err
	}
	return r.resolveIdentity(ctx, conn, model.NormalizePhone(from), nil)
}

// CheckChannel reports ErrMisconfigured when the connection bound to the
// receiving number cannot be served. Unknown numbers are not an error here.
func (r *Resolver) CheckChannel(ctx context.Context, to string) error {
	_, err := r.channelByPhone(ctx, to)
	if errors.Is(err, ErrMisconfigured) {
		return err
	}
	return nil
}

func (r *Resolver) channelByPhone(ctx context.Context, to string) (*model.ChannelConnection, error) {
	to = model.NormalizePhone(to)
	conn, err := r.dir.ChannelByPhone(ctx, to)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, to)
	}
	if err != nil {
		return nil, err
	}
	if !conn.Provider.Valid() {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrMisconfigured, conn.Provider)
	}
	return conn, nil
}

// ResolveContact re-resolves the contact of a queued batch against the
// connection its messages arrived on.
func (r *Resolver) ResolveContact(ctx context.Context, entry *model.QueueEntry) (*Resolution, error) {
	contact, err := r.dir.ContactByID(ctx, entry.ContactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, entry.ContactID)
	}
	if err != nil {
		return nil, err
	}
	if contact.TenantID != entry.TenantID {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, entry.ContactID)
	}

	var conn *model.ChannelConnection
	if entry.ChannelID != "" {
		conn, err = r.dir.ChannelByID(ctx, entry.ChannelID)
	} else {
		conn, err = r.dir.ChannelForTenant(ctx, entry.TenantID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s", ErrChannelNotFound, entry.TenantID)
	}
	if err != nil {
		return nil, err
	}
	if conn.TenantID != entry.TenantID {
		return nil, fmt.Errorf("%w: connection %s", ErrChannelNotFound, conn.ID)
	}
	if !conn.Provider.Valid() {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrMisconfigured, conn.Provider)
	}
	return r.resolveIdentity(ctx, conn, contact.PhoneNumber, contact.PersonID)
}

// resolveIdentity looks the person up by phone first, then through an
// existing contact link.
func (r *Resolver) resolveIdentity(ctx context.Context, conn *model.ChannelConnection, phone string, linkedPersonID *string) (*Resolution, error) {
	person, err := r.dir.PersonByPhone(ctx, conn.TenantID, phone)
	if errors.Is(err, store.ErrNotFound) && linkedPersonID != nil {
		person, err = r.dir.PersonByID(ctx, conn.TenantID, *linkedPersonID)
	}
	if errors.Is(err, store.ErrNotFound) {
		person = nil
	} else if err != nil {
		return nil, err
	}

	var personID *string
	if person != nil {
		personID = &person.ID
	}
	contact, err := r.dir.UpsertContact(ctx, conn.TenantID, phone, personID)
	if err != nil {
		return nil, err
	}

	cfg, err := r.dir.AgentConfig(ctx, conn.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = nil
	} else if err != nil {
		return nil, err
	}

	res := &Resolution{Channel: conn, Config: cfg, Contact: contact, Person: person}
	res.Respond, res.Reason = EvaluateGate(cfg, contact, person, r.now())
	metrics.RecordGate(res.Respond, res.Reason)

	r.log.Debug("identity resolved",
		zap.String("tenant_id", conn.TenantID),
		zap.String("contact_id", contact.ID),
		zap.Bool("person_known", person != nil),
		zap.Bool("respond", res.Respond),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// EvaluateGate decides whether the assistant may answer:
// agent active, contact AI enabled and, for a known person, an active subscription.
func EvaluateGate(cfg *model.AgentConfig, contact *model.Contact, person *model.Person, now time.Time) (bool, string) {
	switch {
	case cfg == nil:
		return false, ReasonAgentMissing
	case !cfg.IsActive:
		return false, ReasonAgentInactive
	case !contact.AIEnabled:
		return false, ReasonContactAIDisabled
	case person != nil && !person.SubscriptionActive(now):
		return false, ReasonSubscriptionLapsed
	default:
		return true, ReasonOK
	}
}

// VerifyToken checks a webhook handshake token against the process-wide
// token and every WhatsApp Cloud connection's token.
func (r *Resolver) VerifyToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	if r.verifyToken != "" && tokensEqual(token, r.verifyToken) {
		return true
	}
	conns, err := r.dir.ChannelsByProvider(ctx, model.ProviderWhatsAppCloud)
	if err != nil {
		r.log.Error("failed to load channels for verification", zap.Error(err))
		return false
	}
	for _, c := range conns {
		if c.Credentials.VerifyToken != "" && tokensEqual(token, c.Credentials.VerifyToken) {
			return true
		}
	}
	return false
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
