package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clinicflow/agent-gateway/internal/llm"
	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/internal/store"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
)

var (
	// ErrUnknownTool is reported to the model when it names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrPersonRequired is reported to the model when a tool needs a registered patient.
	ErrPersonRequired = errors.New("this action requires a registered patient")
)

// ToolName identifies a backend procedure exposed to the model.
type ToolName string

const (
	ToolDailySummary      ToolName = "retrieve_patient_daily_summary"
	ToolProgressHistory   ToolName = "retrieve_patient_progress_history"
	ToolAvailableSlots    ToolName = "retrieve_available_appointment_slots"
	ToolCreateAppointment ToolName = "create_appointment"
)

// Procedures are the backend procedures the tools resolve to.
type Procedures interface {
	DailySummary(ctx context.Context, personID string, dayOffset int) ([]store.Row, error)
	ProgressHistory(ctx context.Context, personID string) ([]store.Row, error)
	AvailableSlots(ctx context.Context, tenantID string, date time.Time) ([]store.Row, error)
	CreateAppointment(ctx context.Context, req store.AppointmentRequest) ([]store.Row, error)
}

// ToolContext is the tenant and patient scope of one tool invocation.
type ToolContext struct {
	TenantID     string
	Person       *model.Person
	ContactPhone string
}

// ToolHandler executes a tool with already validated arguments.
type ToolHandler func(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)

// Tool is a registered tool with its declared argument schema.
type Tool struct {
	Name           ToolName
	Description    string
	Schema         map[string]any
	RequiresPerson bool
	Handler        ToolHandler
}

// ToolRegistry maps tool names to handlers.
type ToolRegistry struct {
	tools map[ToolName]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[ToolName]Tool{}}
}

// Register adds a tool after validating its schema.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	if err := validateSchema(tool.Schema); err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Definitions returns the schema of every tool the tenant enabled, leaving
// out tools that need a patient when none is known.
func (r *ToolRegistry) Definitions(cfg *model.AgentConfig, personKnown bool) []llm.ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, string(name))
	}
	sort.Strings(names)

	var defs []llm.ToolDefinition
	for _, name := range names {
		tool := r.tools[ToolName(name)]
		if !cfg.ToolEnabled(name) {
			continue
		}
		if tool.RequiresPerson && !personKnown {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}
	return defs
}

// Invoke runs one tool call. Failures become an {"error": message} result so
// the model can explain them; Invoke itself never fails.
func (r *ToolRegistry) Invoke(ctx context.Context, tc ToolContext, call llm.ToolCall) llm.ToolResult {
	result, err := r.invoke(ctx, tc, call)

	outcome := "success"
	if err != nil {
		outcome = "error"
		result = map[string]string{"error": err.Error()}
	}
	metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()

	content, merr := json.Marshal(result)
	if merr != nil {
		content, _ = json.Marshal(map[string]string{"error": "unencodable result"})
		err = merr
	}
	return llm.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: string(content),
		IsError: err != nil,
	}
}

func (r *ToolRegistry) invoke(ctx context.Context, tc ToolContext, call llm.ToolCall) (any, error) {
	tool, ok := r.tools[ToolName(call.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if tool.RequiresPerson && tc.Person == nil {
		return nil, ErrPersonRequired
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(tool.Schema, args); err != nil {
		return nil, err
	}
	return tool.Handler(ctx, tc, args)
}

// validateSchema checks that a schema is an object schema whose required
// fields are all declared with a type.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return errors.New("schema is required")
	}
	if t, _ := schema["type"].(string); t != "object" {
		return errors.New(`schema type must be "object"`)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return errors.New("schema properties must be an object")
	}
	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			return fmt.Errorf("property %s must be an object", name)
		}
		if _, ok := prop["type"].(string); !ok {
			return fmt.Errorf("property %s has no type", name)
		}
	}
	required, _ := schema["required"].([]string)
	for _, name := range required {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("required property %s is not declared", name)
		}
	}
	return nil
}

// validateArgs checks the call arguments against the declared schema:
// required fields present and declared fields of the declared JSON type.
func validateArgs(schema map[string]any, raw json.RawMessage) error {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	required, _ := schema["required"].([]string)
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %s", name)
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for name, v := range args {
		p, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if !jsonTypeMatches(p["type"].(string), v) {
			return fmt.Errorf("argument %s must be of type %s", name, p["type"])
		}
	}
	return nil
}

func jsonTypeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

type dailySummaryArgs struct {
	DayOffset int `json:"day_offset"`
}

type slotsArgs struct {
	Date string `json:"date"`
}

type appointmentArgs struct {
	StartTime    string `json:"start_time"`
	Notes        string `json:"notes"`
	PatientQuery string `json:"patient_query"`
}

// NewDefaultRegistry registers the clinic's backend procedures as tools.
func NewDefaultRegistry(procs Procedures) (*ToolRegistry, error) {
	r := NewToolRegistry()
	tools := []Tool{
		{
			Name:           ToolDailySummary,
			Description:    "Obtiene el plan del paciente (comidas, actividades, indicaciones) para un día. day_offset 0 es hoy, 1 mañana, -1 ayer.",
			RequiresPerson: true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"day_offset": map[string]any{"type": "integer", "description": "Días relativos a hoy"},
				},
			},
			Handler: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (any, error) {
				var args dailySummaryArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				return nonNil(procs.DailySummary(ctx, tc.Person.ID, args.DayOffset))
			},
		},
		{
			Name:           ToolProgressHistory,
			Description:    "Obtiene el historial de progreso del paciente (peso, medidas, notas de consulta).",
			RequiresPerson: true,
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(ctx context.Context, tc ToolContext, _ json.RawMessage) (any, error) {
				return nonNil(procs.ProgressHistory(ctx, tc.Person.ID))
			},
		},
		{
			Name:        ToolAvailableSlots,
			Description: "Lista los horarios disponibles para citas en una fecha (YYYY-MM-DD).",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date": map[string]any{"type": "string", "description": "Fecha en formato YYYY-MM-DD"},
				},
				"required": []string{"date"},
			},
			Handler: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (any, error) {
				var args slotsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				date, err := time.Parse(time.DateOnly, args.Date)
				if err != nil {
					return nil, fmt.Errorf("date must be YYYY-MM-DD")
				}
				return nonNil(procs.AvailableSlots(ctx, tc.TenantID, date))
			},
		},
		{
			Name:        ToolCreateAppointment,
			Description: "Agenda una cita en un horario disponible. start_time en formato RFC3339.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_time":    map[string]any{"type": "string", "description": "Inicio de la cita, RFC3339"},
					"notes":         map[string]any{"type": "string", "description": "Motivo o notas de la cita"},
					"patient_query": map[string]any{"type": "string", "description": "Nombre o teléfono del paciente si no está registrado"},
				},
				"required": []string{"start_time"},
			},
			Handler: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (any, error) {
				var args appointmentArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				start, err := time.Parse(time.RFC3339, args.StartTime)
				if err != nil {
					return nil, fmt.Errorf("start_time must be RFC3339")
				}
				req := store.AppointmentRequest{TenantID: tc.TenantID, StartTime: start, Notes: args.Notes}
				if tc.Person != nil {
					req.PersonID = &tc.Person.ID
				} else {
					query := args.PatientQuery
					if query == "" {
						query = tc.ContactPhone
					}
					req.PatientQuery = &query
				}
				return nonNil(procs.CreateAppointment(ctx, req))
			},
		},
	}

	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func nonNil(rows []store.Row, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []store.Row{}
	}
	return rows, nil
}
