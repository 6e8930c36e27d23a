package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/llm"
	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
	"github.com/clinicflow/agent-gateway/pkg/tracing"
)

// DegradedReply is sent when the loop cannot produce an answer.
const DegradedReply = "Lo siento, no pude completar tu solicitud en este momento."

// LoopState is the orchestrator state for one turn.
type LoopState string

const (
	StateAwaitingModel    LoopState = "awaiting_model"
	StateModelResponded   LoopState = "model_responded"
	StateDispatchingTools LoopState = "dispatching_tools"
	StateFinal            LoopState = "final"
)

// Orchestrator runs the model/tool loop.
type Orchestrator struct {
	client        llm.Client
	tools         *ToolRegistry
	maxIterations int
	maxTokens     int
	temperature   float64
	defaultModel  string
	log           *logger.Logger
}

// OrchestratorConfig tunes the loop.
type OrchestratorConfig struct {
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	DefaultModel  string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(client llm.Client, tools *ToolRegistry, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 6
	}
	return &Orchestrator{
		client:        client,
		tools:         tools,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		defaultModel:  cfg.DefaultModel,
		log:           log.Named("orchestrator"),
	}
}

// RunInput is one inbound turn with its assembled context.
type RunInput struct {
	Config       *model.AgentConfig
	Person       *model.Person
	ContactPhone string
	Conversation *Conversation
	Text         string
	Media        []llm.MediaPart
}

// RunResult is the outcome of the loop.
type RunResult struct {
	Reply      string
	Iterations int
	ToolCalls  int
	// Exhausted is set when the iteration cap was reached.
	Exhausted bool
}

// Run drives the loop until the model answers without tool calls or the
// iteration cap is reached. Completion errors are returned; tool errors are
// fed back to the model.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "agent.tool_loop")
	defer span.End()

	modelID := in.Config.Model
	if modelID == "" {
		modelID = o.defaultModel
	}
	log := o.log.With(zap.String("tenant_id", in.Config.TenantID), zap.String("model", modelID))

	messages := make([]llm.ChatMessage, 0, len(in.Conversation.History)+3)
	messages = append(messages, in.Conversation.History...)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: in.Text, Media: in.Media})

	tc := ToolContext{TenantID: in.Config.TenantID, Person: in.Person, ContactPhone: in.ContactPhone}
	defs := o.tools.Definitions(in.Config, in.Person != nil)
	result := &RunResult{}

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		result.Iterations = iteration
		state := StateAwaitingModel
		log.Debug("loop state", zap.String("state", string(state)), zap.Int("iteration", iteration))

		resp, err := o.complete(ctx, &llm.CompletionRequest{
			Model:       modelID,
			System:      in.Conversation.System,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		}, log)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
			return nil, fmt.Errorf("completion: %w", err)
		}
		state = StateModelResponded
		log.Debug("loop state",
			zap.String("state", string(state)),
			zap.Int("iteration", iteration),
			zap.Int("tool_calls", len(resp.ToolCalls)),
		)

		messages = append(messages, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			state = StateFinal
			metrics.ToolLoopIterations.Observe(float64(iteration))
			span.SetAttributes(attribute.Int("agent.iterations", iteration))
			log.Debug("loop state", zap.String("state", string(state)), zap.Int("iteration", iteration))

			result.Reply = strings.TrimSpace(resp.Content)
			if result.Reply == "" {
				log.Warn("model returned an empty reply")
				result.Reply = DegradedReply
			}
			return result, nil
		}

		state = StateDispatchingTools
		log.Debug("loop state", zap.String("state", string(state)), zap.Int("iteration", iteration))

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, o.invokeTool(ctx, tc, call, log))
		}
		result.ToolCalls += len(results)
		messages = append(messages, llm.ChatMessage{Role: llm.RoleTool, ToolResults: results})
	}

	log.Warn("tool loop exhausted", zap.Int("max_iterations", o.maxIterations))
	metrics.ToolLoopIterations.Observe(float64(o.maxIterations))
	span.SetAttributes(attribute.Bool("agent.exhausted", true))
	result.Reply = DegradedReply
	result.Exhausted = true
	return result, nil
}

func (o *Orchestrator) complete(ctx context.Context, req *llm.CompletionRequest, log *logger.Logger) (*llm.CompletionResponse, error) {
	ctx, span := tracing.Tracer().Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model), attribute.Int("llm.tools", len(req.Tools)))

	start := time.Now()
	resp, err := o.client.Complete(ctx, req)
	if err != nil {
		metrics.RecordLLMCall(req.Model, "error", time.Since(start).Seconds(), 0, 0)
		span.RecordError(err)
		return nil, err
	}
	metrics.RecordLLMCall(req.Model, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	log.Debug("completion received",
		zap.String("stop_reason", resp.StopReason),
		zap.Int64("latency_ms", resp.LatencyMs),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
	)
	return resp, nil
}

func (o *Orchestrator) invokeTool(ctx context.Context, tc ToolContext, call llm.ToolCall, log *logger.Logger) llm.ToolResult {
	ctx, span := tracing.Tracer().Start(ctx, "agent.tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	res := o.tools.Invoke(ctx, tc, call)
	if res.IsError {
		span.SetStatus(codes.Error, "tool failed")
		log.Info("tool returned error", zap.String("tool", call.Name), zap.String("result", res.Content))
	}
	return res
}
