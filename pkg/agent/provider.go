package agent

import (
	"context"
	"fmt"

	"github.com/harun/turnstile/pkg/conversation"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []conversation.Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK-backed providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// groupToolResults yields runs of consecutive tool messages together so
// providers that want all results of a batch in one message can have them.
func groupToolResults(messages []conversation.Message) [][]conversation.Message {
	var groups [][]conversation.Message
	for _, msg := range messages {
		if msg.Role == conversation.RoleTool && len(groups) > 0 {
			last := groups[len(groups)-1]
			if last[0].Role == conversation.RoleTool {
				groups[len(groups)-1] = append(last, msg)
				continue
			}
		}
		groups = append(groups, []conversation.Message{msg})
	}
	return groups
}
