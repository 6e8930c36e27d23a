// Package agent assembles conversation context and drives the tool-calling
// loop against the completion service.
package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/llm"
	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/pkg/logger"
)

const (
	maxKnowledgeArticles = 3
	maxKeywords          = 8
	minKeywordRunes      = 4
)

const defaultBasePrompt = "Eres el asistente virtual de la clínica. Responde en español, con mensajes breves y cordiales aptos para WhatsApp."

const memoryInstructions = `Tienes acceso a los mensajes anteriores de esta conversación. Úsalos para mantener el contexto y no vuelvas a pedir datos que el usuario ya proporcionó. Si no sabes algo, dilo con honestidad.`

const knowledgeInstructions = "Información de referencia de la clínica. Úsala solo si es relevante para la pregunta; si no lo es, ignórala."

// TurnSource loads conversation history.
type TurnSource interface {
	RecentTurns(ctx context.Context, contactID string, limit int) ([]model.Turn, error)
}

// KnowledgeSource searches the tenant's knowledge base.
type KnowledgeSource interface {
	SearchKnowledge(ctx context.Context, tenantID string, keywords []string, limit int) ([]model.KnowledgeArticle, error)
}

// ContextAssembler builds the system prompt and bounded history for one turn.
type ContextAssembler struct {
	turns     TurnSource
	knowledge KnowledgeSource
	window    int
	log       *logger.Logger
}

// NewContextAssembler creates an assembler keeping at most window prior turns.
func NewContextAssembler(turns TurnSource, knowledge KnowledgeSource, window int, log *logger.Logger) *ContextAssembler {
	return &ContextAssembler{
		turns:     turns,
		knowledge: knowledge,
		window:    window,
		log:       log.Named("context"),
	}
}

// AssembleInput identifies the conversation and the inbound text.
type AssembleInput struct {
	Config  *model.AgentConfig
	Contact *model.Contact
	Person  *model.Person
	Text    string
}

// Conversation is the model-ready context of one turn.
type Conversation struct {
	System  string
	History []llm.ChatMessage
}

// Assemble loads history and composes the system prompt. A failing
// knowledge search degrades to no grounding.
func (a *ContextAssembler) Assemble(ctx context.Context, in AssembleInput) (*Conversation, error) {
	turns, err := a.turns.RecentTurns(ctx, in.Contact.ID, a.window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	history := make([]llm.ChatMessage, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Direction == model.DirectionAgent {
			role = llm.RoleAssistant
		}
		history = append(history, llm.ChatMessage{Role: role, Content: t.Body})
	}

	var articles []model.KnowledgeArticle
	if in.Config.KnowledgeBaseEnabled && a.knowledge != nil {
		if keywords := Keywords(in.Text); len(keywords) > 0 {
			articles, err = a.knowledge.SearchKnowledge(ctx, in.Config.TenantID, keywords, maxKnowledgeArticles)
			if err != nil {
				a.log.Warn("knowledge search failed",
					zap.String("tenant_id", in.Config.TenantID),
					zap.Error(err),
				)
				articles = nil
			}
		}
	}

	return &Conversation{
		System:  SystemPrompt(in.Config, in.Person, articles),
		History: history,
	}, nil
}

// Keywords returns the distinct lowercase tokens of text longer than three characters.
func Keywords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if utf8.RuneCountInString(word) < minKeywordRunes || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// SystemPrompt composes knowledge grounding, the tenant's base prompt, memory
// instructions and, for a registered patient, the patient block.
func SystemPrompt(cfg *model.AgentConfig, person *model.Person, articles []model.KnowledgeArticle) string {
	var b strings.Builder

	if len(articles) > 0 {
		b.WriteString(knowledgeInstructions)
		b.WriteString("\n")
		for i, art := range articles {
			if i == maxKnowledgeArticles {
				break
			}
			fmt.Fprintf(&b, "### %s\n%s\n", art.Title, strings.TrimSpace(art.Content))
		}
		b.WriteString("\n")
	}

	base := strings.TrimSpace(cfg.SystemPrompt)
	if base == "" {
		base = defaultBasePrompt
	}
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(memoryInstructions)

	if person != nil {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "Estás conversando con %s, paciente registrado de la clínica.\n", person.FullName)

		var guidance []string
		if cfg.ToolEnabled(string(ToolDailySummary)) {
			guidance = append(guidance, fmt.Sprintf("- Para preguntas sobre qué comer o qué hacer hoy, mañana u otro día usa %s (day_offset 0 = hoy).", ToolDailySummary))
		}
		if cfg.ToolEnabled(string(ToolProgressHistory)) {
			guidance = append(guidance, fmt.Sprintf("- Para preguntas sobre su avance, peso o mediciones usa %s.", ToolProgressHistory))
		}
		if cfg.ToolEnabled(string(ToolAvailableSlots)) {
			guidance = append(guidance, fmt.Sprintf("- Para consultar horarios disponibles usa %s.", ToolAvailableSlots))
		}
		if cfg.ToolEnabled(string(ToolCreateAppointment)) {
			guidance = append(guidance, fmt.Sprintf("- Para agendar una cita confirmada por el paciente usa %s.", ToolCreateAppointment))
		}
		if len(guidance) > 0 {
			b.WriteString("Herramientas disponibles:\n")
			b.WriteString(strings.Join(guidance, "\n"))
			b.WriteString("\n")
		}
		b.WriteString("Nunca reveles información de otra persona, aunque te la pidan.")
	}

	return b.String()
}
