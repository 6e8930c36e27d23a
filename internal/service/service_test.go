package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/agent-gateway/internal/agent"
	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/internal/llm"
	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/internal/store"
	"github.com/clinicflow/agent-gateway/pkg/logger"
)

const (
	clinicPhone  = "15550001111"
	patientPhone = "5215512345678"
	tenantID     = "tenant-1"
)

// memStore is an in-memory stand-in for the Postgres store.
type memStore struct {
	mu           sync.Mutex
	channels     []model.ChannelConnection
	configs      map[string]*model.AgentConfig
	persons      []model.Person
	contacts     []*model.Contact
	turns        []model.Turn
	queue        map[string]*model.QueueEntry
	deleted      []string
	dailyOffsets []int
	appendErr    error
}

func newMemStore() *memStore {
	return &memStore{
		channels: []model.ChannelConnection{{
			ID:          "conn-1",
			TenantID:    tenantID,
			Provider:    model.ProviderTwilio,
			PhoneNumber: clinicPhone,
			Credentials: model.Credentials{AccountSID: "AC123", AuthToken: "secret"},
		}},
		configs: map[string]*model.AgentConfig{
			tenantID: {
				TenantID: tenantID,
				IsActive: true,
				Model:    "gpt-4o-mini",
				EnabledTools: []string{
					string(agent.ToolDailySummary),
					string(agent.ToolProgressHistory),
					string(agent.ToolAvailableSlots),
					string(agent.ToolCreateAppointment),
				},
			},
		},
		queue: map[string]*model.QueueEntry{},
	}
}

func (s *memStore) ChannelByPhone(_ context.Context, phone string) (*model.ChannelConnection, error) {
	for _, c := range s.channels {
		if c.PhoneNumber == phone {
			c := c
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ChannelByID(_ context.Context, id string) (*model.ChannelConnection, error) {
	for _, c := range s.channels {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ChannelForTenant(_ context.Context, id string) (*model.ChannelConnection, error) {
	for _, c := range s.channels {
		if c.TenantID == id {
			c := c
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ChannelsByProvider(_ context.Context, provider model.Provider) ([]model.ChannelConnection, error) {
	var out []model.ChannelConnection
	for _, c := range s.channels {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) AgentConfig(_ context.Context, id string) (*model.AgentConfig, error) {
	cfg, ok := s.configs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *memStore) PersonByPhone(_ context.Context, tenant, phone string) (*model.Person, error) {
	for _, p := range s.persons {
		if p.TenantID == tenant && model.NormalizePhone(p.PhoneNumber) == phone {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) PersonByID(_ context.Context, tenant, id string) (*model.Person, error) {
	for _, p := range s.persons {
		if p.TenantID == tenant && p.ID == id {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) UpsertContact(_ context.Context, tenant, phone string, personID *string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.TenantID == tenant && c.PhoneNumber == phone {
			if personID != nil {
				c.PersonID = personID
			}
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Contact{
		ID:          fmt.Sprintf("contact-%d", len(s.contacts)+1),
		TenantID:    tenant,
		PhoneNumber: phone,
		PersonID:    personID,
		AIEnabled:   true,
	}
	s.contacts = append(s.contacts, c)
	cp := *c
	return &cp, nil
}

func (s *memStore) ContactByID(_ context.Context, id string) (*model.Contact, error) {
	for _, c := range s.contacts {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) AppendTurn(_ context.Context, turn *model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	turn.ID = fmt.Sprintf("turn-%d", len(s.turns)+1)
	s.turns = append(s.turns, *turn)
	return nil
}

func (s *memStore) RecentTurns(_ context.Context, contactID string, limit int) ([]model.Turn, error) {
	var out []model.Turn
	for _, t := range s.turns {
		if t.ContactID == contactID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) SearchKnowledge(context.Context, string, []string, int) ([]model.KnowledgeArticle, error) {
	return nil, nil
}

func (s *memStore) EnqueuePending(_ context.Context, tenant, channelID, contactID, body string) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.ContactID == contactID && e.ClaimedAt == nil {
			e.Messages = append(e.Messages, body)
			e.ChannelID = channelID
			cp := *e
			return &cp, nil
		}
	}
	e := &model.QueueEntry{
		ID:        fmt.Sprintf("entry-%d", len(s.queue)+1),
		TenantID:  tenant,
		ChannelID: channelID,
		ContactID: contactID,
		Messages:  []string{body},
	}
	s.queue[e.ID] = e
	cp := *e
	return &cp, nil
}

func (s *memStore) ClaimQueueEntry(_ context.Context, id string) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.ClaimedAt != nil {
		return nil, store.ErrAlreadyClaimed
	}
	now := time.Now()
	e.ClaimedAt = &now
	cp := *e
	return &cp, nil
}

func (s *memStore) DeleteQueueEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) DailySummary(_ context.Context, _ string, dayOffset int) ([]store.Row, error) {
	s.dailyOffsets = append(s.dailyOffsets, dayOffset)
	return []store.Row{{"meal": "comida", "description": "pollo con verduras"}}, nil
}

func (s *memStore) ProgressHistory(context.Context, string) ([]store.Row, error) { return nil, nil }

func (s *memStore) AvailableSlots(context.Context, string, time.Time) ([]store.Row, error) {
	return nil, nil
}

func (s *memStore) CreateAppointment(context.Context, store.AppointmentRequest) ([]store.Row, error) {
	return nil, nil
}

func (s *memStore) turnBodies() []string {
	var out []string
	for _, t := range s.turns {
		out = append(out, string(t.Direction)+":"+t.Body)
	}
	return out
}

type scriptedClient struct {
	responses []*llm.CompletionResponse
	err       error
	requests  []llm.CompletionRequest
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	cp := *req
	cp.Messages = append([]llm.ChatMessage(nil), req.Messages...)
	c.requests = append(c.requests, cp)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

type sentMessage struct {
	ChannelID string
	To        string
	Body      string
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, conn *model.ChannelConnection, to, body string) error {
	f.sent = append(f.sent, sentMessage{ChannelID: conn.ID, To: to, Body: body})
	return f.err
}

type fakeMedia struct {
	calls int
	err   error
}

func (f *fakeMedia) Fetch(context.Context, *model.ChannelConnection, channel.MediaDescriptor) (*channel.EncodedMedia, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &channel.EncodedMedia{MimeType: "image/jpeg", Data: "aGVsbG8="}, nil
}

type fakePublisher struct {
	turns  []model.Turn
	events []model.AgentEvent
}

func (f *fakePublisher) PublishTurn(_ context.Context, turn *model.Turn) error {
	f.turns = append(f.turns, *turn)
	return nil
}

func (f *fakePublisher) PublishEvent(_ context.Context, event *model.AgentEvent) error {
	f.events = append(f.events, *event)
	return nil
}

type harness struct {
	store   *memStore
	client  *scriptedClient
	sender  *fakeSender
	media   *fakeMedia
	events  *fakePublisher
	inbound *InboundService
	queue   *QueueProcessor
}

func newHarness(t *testing.T, debounce bool) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		store:  newMemStore(),
		client: &scriptedClient{},
		sender: &fakeSender{},
		media:  &fakeMedia{},
		events: &fakePublisher{},
	}

	registry, err := agent.NewDefaultRegistry(h.store)
	require.NoError(t, err)
	assembler := agent.NewContextAssembler(h.store, h.store, 10, log)
	orchestrator := agent.NewOrchestrator(h.client, registry, agent.OrchestratorConfig{
		MaxIterations: 6,
		MaxTokens:     512,
		DefaultModel:  "gpt-4o-mini",
	}, log)

	pipeline := NewPipeline(PipelineDeps{
		Turns:     h.store,
		Assembler: assembler,
		Runner:    orchestrator,
		Sender:    h.sender,
		Media:     h.media,
		Events:    h.events,
	}, log)
	resolver := NewResolver(h.store, "global-token", log)
	normalizer := channel.NewNormalizer(channel.TwilioParser{}, channel.WhatsAppParser{})

	h.inbound = NewInboundService(normalizer, resolver, pipeline, h.store,
		InboundConfig{Debounce: debounce, Timeout: 5 * time.Second}, log)
	h.queue = NewQueueProcessor(h.store, resolver, pipeline, 5*time.Second, log)
	return h
}

func (h *harness) registerPatient(end time.Time) {
	h.store.persons = append(h.store.persons, model.Person{
		ID:                  "person-1",
		TenantID:            tenantID,
		FullName:            "Ana López",
		PhoneNumber:         "+52 1 55 1234 5678",
		SubscriptionEndDate: &end,
	})
}

func twilioPayload(body string, extra url.Values) channel.Payload {
	form := url.Values{
		"AccountSid": {"AC123"},
		"MessageSid": {"SM1"},
		"To":         {"whatsapp:+" + clinicPhone},
		"From":       {"whatsapp:+" + patientPhone},
		"Body":       {body},
	}
	for k, v := range extra {
		form[k] = v
	}
	return channel.Payload{ContentType: "application/x-www-form-urlencoded", Body: []byte(form.Encode())}
}

func toolNames(defs []llm.ToolDefinition) []string {
	var out []string
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestWebhookUnregisteredSenderGreeting(t *testing.T) {
	h := newHarness(t, false)
	h.client.responses = []*llm.CompletionResponse{{Content: "¡Hola! Soy el asistente de la clínica."}}

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)

	assert.Equal(t, []string{"user:Hola", "agent:¡Hola! Soy el asistente de la clínica."}, h.store.turnBodies())
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, sentMessage{ChannelID: "conn-1", To: patientPhone, Body: "¡Hola! Soy el asistente de la clínica."}, h.sender.sent[0])

	require.Len(t, h.client.requests, 1)
	names := toolNames(h.client.requests[0].Tools)
	assert.ElementsMatch(t, []string{string(agent.ToolAvailableSlots), string(agent.ToolCreateAppointment)}, names)
	assert.NotContains(t, h.client.requests[0].System, "Estás conversando con")
	assert.Len(t, h.events.turns, 2)
}

func TestWebhookRegisteredPatientDailySummary(t *testing.T) {
	h := newHarness(t, false)
	h.registerPatient(time.Now().AddDate(0, 1, 0))
	h.client.responses = []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      string(agent.ToolDailySummary),
			Arguments: json.RawMessage(`{"day_offset":0}`),
		}}},
		{Content: "Hoy te toca pollo con verduras."},
	}

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("qué voy a comer hoy", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)

	assert.Equal(t, []int{0}, h.store.dailyOffsets)
	require.Len(t, h.client.requests, 2)
	assert.Contains(t, h.client.requests[0].System, "Ana López")

	second := h.client.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	require.Len(t, last.ToolResults, 1)
	assert.Contains(t, last.ToolResults[0].Content, "pollo con verduras")

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "Hoy te toca pollo con verduras.", h.sender.sent[0].Body)
	assert.Equal(t, []string{"user:qué voy a comer hoy", "agent:Hoy te toca pollo con verduras."}, h.store.turnBodies())
}

func TestWebhookLapsedSubscriptionSkipsModel(t *testing.T) {
	h := newHarness(t, false)
	h.registerPatient(time.Now().AddDate(0, 0, -2))

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, res.Status)

	assert.Empty(t, h.client.requests)
	assert.Empty(t, h.sender.sent)
	assert.Equal(t, []string{"user:hola"}, h.store.turnBodies())
	require.Len(t, h.events.events, 1)
	assert.Equal(t, model.EventTypeGateClosed, h.events.events[0].Type)
	assert.Equal(t, ReasonSubscriptionLapsed, h.events.events[0].Reason)
}

func TestWebhookUnsupportedMediaCreatesNoTurns(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("", url.Values{
		"NumMedia":          {"1"},
		"MediaContentType0": {"audio/ogg"},
		"MediaUrl0":         {"https://media.example/audio"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, res.Status)
	assert.Empty(t, h.store.turns)
	assert.Empty(t, h.store.contacts)
	assert.Empty(t, h.client.requests)
}

func TestWebhookUnknownChannelIgnored(t *testing.T) {
	h := newHarness(t, false)
	h.store.channels = nil

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Empty(t, h.store.turns)
}

func TestWebhookMalformedPayload(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.inbound.HandleWebhook(context.Background(), channel.Payload{
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte("AccountSid=AC123&Body=hola"),
	})
	assert.ErrorIs(t, err, channel.ErrMalformedPayload)
	assert.Empty(t, h.store.turns)
}

func TestWebhookMisconfiguredChannel(t *testing.T) {
	h := newHarness(t, false)
	h.store.channels[0].Provider = "carrier_pigeon"

	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestWebhookMisconfiguredChannelAnswersNothing(t *testing.T) {
	h := newHarness(t, false)
	h.store.channels = append(h.store.channels, model.ChannelConnection{
		ID:          "conn-2",
		TenantID:    tenantID,
		Provider:    "carrier_pigeon",
		PhoneNumber: "15550002222",
	})

	delivery := `{
	  "object": "whatsapp_business_account",
	  "entry": [{"id": "WABA1", "changes": [
	    {"field": "messages", "value": {
	      "metadata": {"display_phone_number": "15550001111"},
	      "messages": [{"from": "5215512345678", "id": "wamid.1", "type": "text", "text": {"body": "Hola"}}]
	    }},
	    {"field": "messages", "value": {
	      "metadata": {"display_phone_number": "15550002222"},
	      "messages": [{"from": "5215512345678", "id": "wamid.2", "type": "text", "text": {"body": "Hola"}}]
	    }}
	  ]}]
	}`
	_, err := h.inbound.HandleWebhook(context.Background(), channel.Payload{
		ContentType: "application/json",
		Body:        []byte(delivery),
	})
	assert.ErrorIs(t, err, ErrMisconfigured)
	assert.Empty(t, h.store.turns)
	assert.Empty(t, h.client.requests)
	assert.Empty(t, h.sender.sent)
}

func TestWebhookCompletionFailurePersistsOnlyUserTurn(t *testing.T) {
	h := newHarness(t, false)
	h.client.err = errors.New("upstream 503")

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []string{"user:Hola"}, h.store.turnBodies())
	assert.Empty(t, h.sender.sent)
	require.NotEmpty(t, h.events.events)
	assert.Equal(t, model.EventTypeCompletionFailed, h.events.events[0].Type)
}

func TestWebhookDispatchFailureKeepsTurns(t *testing.T) {
	h := newHarness(t, false)
	h.sender.err = &channel.ProviderError{Provider: model.ProviderTwilio, StatusCode: 400, Message: "invalid number"}
	h.client.responses = []*llm.CompletionResponse{{Content: "Hola"}}

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)
	assert.Equal(t, []string{"user:Hola", "agent:Hola"}, h.store.turnBodies())
	require.Len(t, h.events.events, 1)
	assert.Equal(t, model.EventTypeDispatchFailed, h.events.events[0].Type)
}

func TestWebhookPersistFailureSkipsDispatch(t *testing.T) {
	h := newHarness(t, false)
	h.store.appendErr = errors.New("db down")

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, h.client.requests)
	assert.Empty(t, h.sender.sent)
}

func TestWebhookMediaFailureFallsBackToText(t *testing.T) {
	h := newHarness(t, false)
	h.media.err = errors.New("404")

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("mira mi plato", url.Values{
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl0":         {"https://media.example/img"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)
	assert.Equal(t, 1, h.media.calls)

	require.Len(t, h.client.requests, 1)
	msgs := h.client.requests[0].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, "[imagen] mira mi plato", last.Content)
	assert.Empty(t, last.Media)
}

func TestWebhookMediaIsSentInline(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("", url.Values{
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl0":         {"https://media.example/img"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)

	require.Len(t, h.client.requests, 1)
	msgs := h.client.requests[0].Messages
	last := msgs[len(msgs)-1]
	require.Len(t, last.Media, 1)
	assert.Equal(t, "image/jpeg", last.Media[0].MimeType)
	assert.Empty(t, h.store.queue)
	assert.Equal(t, []string{"user:[imagen]", "agent:ok"}, h.store.turnBodies())
}

func TestWebhookCaptionlessImageStaysInHistory(t *testing.T) {
	h := newHarness(t, false)
	image := url.Values{
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl0":         {"https://media.example/img"},
	}
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("", image))
	require.NoError(t, err)
	_, err = h.inbound.HandleWebhook(context.Background(), twilioPayload("¿está bien?", nil))
	require.NoError(t, err)

	require.Len(t, h.client.requests, 2)
	for _, msg := range h.client.requests[1].Messages {
		if msg.Role == llm.RoleUser {
			assert.NotEmpty(t, msg.Content)
		}
	}
	assert.Equal(t, "[imagen]", h.client.requests[1].Messages[0].Content)
}

func TestWebhookGateClosedLogsCaptionlessImage(t *testing.T) {
	h := newHarness(t, false)
	h.store.configs[tenantID].IsActive = false

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("", url.Values{
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl0":         {"https://media.example/img"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, res.Status)
	assert.Equal(t, []string{"user:[imagen]"}, h.store.turnBodies())
	assert.Zero(t, h.media.calls)
}

func TestWebhookDebounceQueuesText(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	_, err = h.inbound.HandleWebhook(context.Background(), twilioPayload("¿qué hay de comer?", nil))
	require.NoError(t, err)

	assert.Empty(t, h.store.turns)
	assert.Empty(t, h.client.requests)
	require.Len(t, h.store.queue, 1)
	for _, e := range h.store.queue {
		assert.Equal(t, []string{"Hola", "¿qué hay de comer?"}, e.Messages)
	}
}

func TestQueueBatchesMessagesIntoOneTurn(t *testing.T) {
	h := newHarness(t, true)
	for _, body := range []string{"Hola", "¿qué hay de comer?"} {
		_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload(body, nil))
		require.NoError(t, err)
	}
	h.client.responses = []*llm.CompletionResponse{{Content: "¡Hola! Te cuento el menú."}}

	require.NoError(t, h.queue.Process(context.Background(), "entry-1"))

	assert.Equal(t, []string{"user:Hola\n¿qué hay de comer?", "agent:¡Hola! Te cuento el menú."}, h.store.turnBodies())
	require.Len(t, h.client.requests, 1)
	msgs := h.client.requests[0].Messages
	assert.Equal(t, "Hola\n¿qué hay de comer?", msgs[len(msgs)-1].Content)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
	assert.Len(t, h.sender.sent, 1)
}

func TestQueueDeletesEntryOnCompletionFailure(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.client.err = errors.New("timeout")

	err = h.queue.Process(context.Background(), "entry-1")
	require.Error(t, err)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
	assert.Equal(t, []string{"user:Hola"}, h.store.turnBodies())
	assert.Empty(t, h.sender.sent)
}

func TestQueueDeletesEntryWhenContactMissing(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.store.contacts = nil

	err = h.queue.Process(context.Background(), "entry-1")
	assert.ErrorIs(t, err, ErrContactNotFound)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
	assert.Empty(t, h.client.requests)
	assert.Empty(t, h.store.turns)
}

func TestQueueDeletesEntryWhenChannelRemoved(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.store.channels = nil

	err = h.queue.Process(context.Background(), "entry-1")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
	assert.Empty(t, h.sender.sent)
}

func TestQueueRepliesThroughReceivingConnection(t *testing.T) {
	h := newHarness(t, true)
	h.store.channels = append(h.store.channels, model.ChannelConnection{
		ID:          "conn-2",
		TenantID:    tenantID,
		Provider:    model.ProviderWhatsAppCloud,
		PhoneNumber: "15550002222",
		Credentials: model.Credentials{PhoneNumberID: "PNID2", AccessToken: "token"},
	})

	payload := twilioPayload("Hola", nil)
	form, err := url.ParseQuery(string(payload.Body))
	require.NoError(t, err)
	form.Set("To", "whatsapp:+15550002222")
	payload.Body = []byte(form.Encode())

	_, err = h.inbound.HandleWebhook(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "conn-2", h.store.queue["entry-1"].ChannelID)

	require.NoError(t, h.queue.Process(context.Background(), "entry-1"))
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "conn-2", h.sender.sent[0].ChannelID)
}

func TestQueueEntryWithoutConnectionUsesTenantDefault(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.store.queue["entry-1"].ChannelID = ""

	require.NoError(t, h.queue.Process(context.Background(), "entry-1"))
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "conn-1", h.sender.sent[0].ChannelID)
}

func TestQueueMisconfiguredConnection(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.store.channels[0].Provider = "carrier_pigeon"

	err = h.queue.Process(context.Background(), "entry-1")
	assert.ErrorIs(t, err, ErrMisconfigured)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
	assert.Empty(t, h.sender.sent)
}

func TestQueueSecondClaimantDoesNoWork(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	now := time.Now()
	h.store.queue["entry-1"].ClaimedAt = &now

	err = h.queue.Process(context.Background(), "entry-1")
	assert.ErrorIs(t, err, ErrQueueEntryClaimed)
	assert.Empty(t, h.store.deleted)
	assert.Empty(t, h.client.requests)
}

func TestQueueGateClosedPersistsBatch(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	h.store.configs[tenantID].IsActive = false

	require.NoError(t, h.queue.Process(context.Background(), "entry-1"))
	assert.Equal(t, []string{"user:Hola"}, h.store.turnBodies())
	assert.Empty(t, h.client.requests)
	assert.Equal(t, []string{"entry-1"}, h.store.deleted)
}

func TestQueueUsesLinkedPersonAfterPhoneChange(t *testing.T) {
	h := newHarness(t, true)
	h.registerPatient(time.Now().AddDate(0, 1, 0))
	_, err := h.inbound.HandleWebhook(context.Background(), twilioPayload("Hola", nil))
	require.NoError(t, err)
	require.NotNil(t, h.store.contacts[0].PersonID)

	h.store.persons[0].PhoneNumber = "+52 55 0000 0000"
	require.NoError(t, h.queue.Process(context.Background(), "entry-1"))

	require.Len(t, h.client.requests, 1)
	assert.Contains(t, h.client.requests[0].System, "Ana López")
}

func TestEvaluateGate(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	today := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	active := &model.AgentConfig{IsActive: true}
	enabled := &model.Contact{AIEnabled: true}

	tests := []struct {
		name    string
		cfg     *model.AgentConfig
		contact *model.Contact
		person  *model.Person
		respond bool
		reason  string
	}{
		{"no config", nil, enabled, nil, false, ReasonAgentMissing},
		{"agent inactive", &model.AgentConfig{}, enabled, nil, false, ReasonAgentInactive},
		{"contact disabled", active, &model.Contact{}, nil, false, ReasonContactAIDisabled},
		{"unregistered sender", active, enabled, nil, true, ReasonOK},
		{"subscription ends today", active, enabled, &model.Person{SubscriptionEndDate: &today}, true, ReasonOK},
		{"subscription lapsed", active, enabled, &model.Person{SubscriptionEndDate: &yesterday}, false, ReasonSubscriptionLapsed},
		{"no end date", active, enabled, &model.Person{}, false, ReasonSubscriptionLapsed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respond, reason := EvaluateGate(tt.cfg, tt.contact, tt.person, now)
			assert.Equal(t, tt.respond, respond)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestVerifyToken(t *testing.T) {
	h := newHarness(t, false)
	h.store.channels = append(h.store.channels, model.ChannelConnection{
		ID:          "conn-2",
		TenantID:    "tenant-2",
		Provider:    model.ProviderWhatsAppCloud,
		PhoneNumber: "15550002222",
		Credentials: model.Credentials{VerifyToken: "tenant-token"},
	})

	ctx := context.Background()
	assert.True(t, h.inbound.VerifyToken(ctx, "global-token"))
	assert.True(t, h.inbound.VerifyToken(ctx, "tenant-token"))
	assert.False(t, h.inbound.VerifyToken(ctx, "wrong"))
	assert.False(t, h.inbound.VerifyToken(ctx, ""))
}
