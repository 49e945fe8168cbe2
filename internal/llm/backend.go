package llm

import (
	"context"
	"fmt"

	"github.com/pocketmind/pocketmind/internal/config"
)

// Backend is the thin per-endpoint conversion layer. Implementations
// translate the normalized request into one provider call and the result
// back into normalized content blocks.
type Backend interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// BackendFactory builds a backend for an endpoint. Tests substitute stub
// factories.
type BackendFactory func(cfg config.EndpointConfig) (Backend, error)

// NewBackend dispatches on the endpoint's protocol family.
func NewBackend(cfg config.EndpointConfig) (Backend, error) {
	switch cfg.APIType {
	case config.APIAnthropic:
		return newAnthropicBackend(cfg)
	case config.APIOpenAI:
		return newOpenAIBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown api_type %q", cfg.APIType)
	}
}
