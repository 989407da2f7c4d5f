package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftlabs/agentgrid/internal/models"
)

func webhookRequest(url string) *Request {
	return &Request{
		Template: &models.AgentTemplate{
			ExecutionType: models.ExecutionTypeWebhook,
			ExecutionSpec: models.ExecutionSpec{WebhookURL: url},
		},
		Message:   "run the flow",
		RequestID: "req-test",
	}
}

func TestWebhookAdapter_PostsPayloadAndParsesJSON(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody map[string]any

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "done", "items": 2}`))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())
	req := webhookRequest(upstream.URL)
	req.Payload = map[string]any{"order_id": "o-1"}

	result, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("Default method should be POST, got %s", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Fatalf("Expected JSON content type, got %q", gotContentType)
	}
	if gotBody["message"] != "run the flow" || gotBody["order_id"] != "o-1" {
		t.Fatalf("Payload should carry message and caller fields, got %#v", gotBody)
	}

	output, ok := result.Output.(map[string]any)
	if !ok || output["status"] != "done" {
		t.Fatalf("Expected parsed JSON output, got %#v", result.Output)
	}
}

func TestWebhookAdapter_NonJSONBodyFallsBackToText(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text response"))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())

	result, err := adapter.Invoke(context.Background(), webhookRequest(upstream.URL))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.Output != "plain text response" {
		t.Fatalf("Expected raw text fallback, got %#v", result.Output)
	}
}

func TestWebhookAdapter_UpstreamErrorCarriesStatusAndTruncatedBody(t *testing.T) {
	longBody := strings.Repeat("x", maxErrorBody*2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(longBody))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())

	_, err := adapter.Invoke(context.Background(), webhookRequest(upstream.URL))
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("Error should carry the upstream status, got %v", err)
	}
	if len(err.Error()) > maxErrorBody+200 {
		t.Fatalf("Error body should be truncated to %d bytes, got %d chars", maxErrorBody, len(err.Error()))
	}
}

func TestWebhookAdapter_BasicAuthWhenConfigured(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())
	req := webhookRequest(upstream.URL)
	req.Template.ExecutionSpec.RequiresAuth = true
	req.Template.ExecutionSpec.WebhookUsername = "flow-user"
	req.Template.ExecutionSpec.WebhookPassword = "flow-pass"

	if _, err := adapter.Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !gotOK || gotUser != "flow-user" || gotPass != "flow-pass" {
		t.Fatalf("Expected basic auth credentials, got ok=%v user=%q", gotOK, gotUser)
	}
}

func TestWebhookAdapter_CustomMethod(t *testing.T) {
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())
	req := webhookRequest(upstream.URL)
	req.Template.ExecutionSpec.WebhookMethod = http.MethodPut

	if _, err := adapter.Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("Expected configured PUT method, got %s", gotMethod)
	}
}

func TestWebhookAdapter_DeadlineBecomesTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := adapter.Invoke(ctx, webhookRequest(upstream.URL))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout on expired deadline, got %v", err)
	}
}

func TestWebhookAdapter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	adapter := NewWebhookAdapter(upstream.Client())
	req := webhookRequest(upstream.URL)

	for i := 0; i < 5; i++ {
		if _, err := adapter.Invoke(context.Background(), req); err == nil {
			t.Fatal("Expected failure while upstream returns 500")
		}
	}

	// Breaker is now open: the upstream is no longer called
	_, err := adapter.Invoke(context.Background(), req)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend from open breaker, got %v", err)
	}
	if !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("Expected open-breaker error, got %v", err)
	}
}

func TestWebhookAdapter_InvalidURLIsMisconfigured(t *testing.T) {
	adapter := NewWebhookAdapter(nil)
	req := webhookRequest("://not-a-url")

	_, err := adapter.Invoke(context.Background(), req)
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("Expected ErrMisconfigured for invalid URL, got %v", err)
	}
}
