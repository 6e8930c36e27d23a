// Package llm provides completion-service clients with tool calling and
// inline image input.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MediaPart is an inline binary attachment, base64 encoded.
type MediaPart struct {
	MimeType string
	Data     string
}

// ToolDefinition declares a callable tool and its JSON schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of one tool call fed back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ChatMessage is one turn in the running conversation.
type ChatMessage struct {
	Role        string
	Content     string
	Media       []MediaPart
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ProviderForModel picks the provider serving a model id.
func ProviderForModel(model string) Provider {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey, baseURL string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, baseURL)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, baseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// Router dispatches each request to the client serving its model.
type Router struct {
	clients  map[Provider]Client
	fallback Provider
}

// NewRouter creates a router. Requests for a provider without a client go to
// fallback with the fallback's default model.
func NewRouter(fallback Provider, clients map[Provider]Client) (*Router, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one llm client is required")
	}
	if _, ok := clients[fallback]; !ok {
		for p := range clients {
			fallback = p
			break
		}
	}
	return &Router{clients: clients, fallback: fallback}, nil
}

// Name returns the provider name.
func (r *Router) Name() string {
	return "router"
}

// Complete routes the request by model id.
func (r *Router) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if client, ok := r.clients[ProviderForModel(req.Model)]; ok && req.Model != "" {
		return client.Complete(ctx, req)
	}
	routed := *req
	if req.Model != "" && ProviderForModel(req.Model) != r.fallback {
		routed.Model = ""
	}
	return r.clients[r.fallback].Complete(ctx, &routed)
}

func dataURL(part MediaPart) string {
	return "data:" + part.MimeType + ";base64," + part.Data
}

func rawArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}
