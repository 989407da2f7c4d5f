package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/driftlabs/agentgrid/internal/logging"
)

// maxErrorBody bounds how much upstream body is kept on error responses
const maxErrorBody = 1024

// WebhookAdapter calls an external workflow endpoint with the invocation
// payload as the request body. Outbound calls run behind a per-host circuit
// breaker.
type WebhookAdapter struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookAdapter creates a webhook adapter
func NewWebhookAdapter(client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &WebhookAdapter{
		httpClient: client,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for an upstream host
func (a *WebhookAdapter) breaker(host string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		a.breakers[host] = cb
	}
	return cb
}

// Invoke posts the payload to the template's webhook URL. The response body
// is parsed as JSON, falling back to raw text; non-2xx responses become a
// backend error carrying the upstream status and a truncated body.
func (a *WebhookAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	spec := req.Template.ExecutionSpec

	target, err := url.Parse(spec.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid webhook URL", ErrMisconfigured)
	}

	result, err := a.breaker(target.Host).Execute(func() (interface{}, error) {
		return a.call(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			log.Warn().
				Str("request_id", req.RequestID).
				Str("host", target.Host).
				Msg("Webhook circuit breaker open")
			return nil, fmt.Errorf("%w: upstream unavailable", ErrBackend)
		}
		return nil, err
	}

	return result.(*Result), nil
}

func (a *WebhookAdapter) call(ctx context.Context, req *Request) (*Result, error) {
	spec := req.Template.ExecutionSpec

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if req.Message != "" {
		payload["message"] = req.Message
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	method := spec.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, spec.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if spec.RequiresAuth {
		httpReq.SetBasicAuth(spec.WebhookUsername, spec.WebhookPassword)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		log.Error().
			Err(err).
			Str("request_id", req.RequestID).
			Str("url", spec.WebhookURL).
			Msg("Webhook call failed")
		return nil, fmt.Errorf("%w: upstream request failed", ErrBackend)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: failed to read upstream response", ErrBackend)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		truncated := respBody
		if len(truncated) > maxErrorBody {
			truncated = truncated[:maxErrorBody]
		}
		log.Error().
			Int("status", resp.StatusCode).
			Str("request_id", req.RequestID).
			Str("body", logging.SanitizeForLog(string(respBody), maxErrorBody)).
			Msg("Webhook upstream error")
		return nil, fmt.Errorf("%w: upstream status %d: %s", ErrBackend, resp.StatusCode, truncated)
	}

	// Structured output when the body parses, raw text otherwise
	var structured any
	if err := json.Unmarshal(respBody, &structured); err != nil {
		structured = string(respBody)
	}

	return &Result{Output: structured}, nil
}
