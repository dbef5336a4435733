package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/lumen/pkg/session"
	"github.com/harun/lumen/pkg/toolexecutor"
)

const defaultMaxTokens = 4096

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call. System messages
// in Messages carry the system prompt.
type LLMRequest struct {
	Model       string
	Messages    []session.Message
	Tools       []toolexecutor.ToolSchema
	MaxTokens   int
	Temperature float64
}

// LLMResponse contains the response from LLM. A response with no ToolCalls
// is a final answer.
type LLMResponse struct {
	Content    string
	ToolCalls  []session.ToolCall
	StopReason string
	Usage      *TokenUsage
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(profile.Provider)) {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// systemPrompt joins the system messages of a request.
func systemPrompt(messages []session.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == session.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// schemaRequired reads the "required" list of a JSON schema built either
// in Go ([]string) or decoded from JSON ([]interface{}).
func schemaRequired(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
