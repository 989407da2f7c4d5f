package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/driftlabs/agentgrid/internal/models"
)

// ChatMessage is a single turn sent to or received from a model provider
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider's completion response
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice represents a choice in the response
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason *string      `json:"finish_reason,omitempty"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderClient calls model providers on behalf of conversational
// deployments. Each provider gets its own circuit breaker so one flapping
// provider does not trip the others.
type ProviderClient struct {
	config     *config.Config
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewProviderClient creates a provider client
func NewProviderClient(cfg *config.Config, client *http.Client) *ProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &ProviderClient{
		config:     cfg,
		httpClient: client,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *ProviderClient) breaker(provider string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[provider]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    provider,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		p.breakers[provider] = cb
	}
	return cb
}

// Complete sends the message history to the template's provider and returns
// the completion. Calls run behind the per-provider circuit breaker.
func (p *ProviderClient) Complete(ctx context.Context, spec models.ExecutionSpec, messages []ChatMessage) (*ChatResponse, error) {
	provider := spec.Provider
	if provider == "" {
		provider = "openai"
	}

	result, err := p.breaker(provider).Execute(func() (interface{}, error) {
		return p.complete(ctx, provider, spec, messages)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %s provider circuit breaker is open", ErrBackend, provider)
		}
		return nil, err
	}

	return result.(*ChatResponse), nil
}

func (p *ProviderClient) complete(ctx context.Context, provider string, spec models.ExecutionSpec, messages []ChatMessage) (*ChatResponse, error) {
	request := map[string]interface{}{
		"model":    spec.Model,
		"messages": messages,
	}
	if spec.Temperature > 0 {
		request["temperature"] = spec.Temperature
	}
	if spec.MaxTokens > 0 {
		request["max_tokens"] = spec.MaxTokens
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.providerURL(provider), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	apiKey := p.providerAPIKey(provider)

	switch provider {
	case "anthropic":
		httpReq.Header.Set("x-api-key", apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error().
			Int("status", resp.StatusCode).
			Str("provider", provider).
			Str("body", string(body)).
			Msg("Provider error")
		return nil, fmt.Errorf("%w: provider status %d", ErrBackend, resp.StatusCode)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	return &chatResp, nil
}

// providerURL returns the completions URL for the given provider
func (p *ProviderClient) providerURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1/chat/completions"
	case "anthropic":
		return "https://api.anthropic.com/v1/messages"
	default:
		return "https://api.openai.com/v1/chat/completions"
	}
}

// providerAPIKey returns the platform credential for the given provider
func (p *ProviderClient) providerAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return p.config.Provider.AnthropicKey
	default:
		return p.config.Provider.OpenAIKey
	}
}
