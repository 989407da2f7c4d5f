package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/driftlabs/agentgrid/internal/models"
)

// ============================================
// Execution Spec Validation Tests
// ============================================

func TestValidateSpec_PerExecutionType(t *testing.T) {
	tests := []struct {
		name    string
		tpl     models.AgentTemplate
		wantErr bool
	}{
		{
			name: "function with handler name",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeFunction,
				ExecutionSpec: models.ExecutionSpec{FunctionName: "echo"},
			},
		},
		{
			name: "function without handler name",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeFunction,
			},
			wantErr: true,
		},
		{
			name: "webhook with URL",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeWebhook,
				ExecutionSpec: models.ExecutionSpec{WebhookURL: "https://flows.example.com/run"},
			},
		},
		{
			name: "webhook without URL",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeWebhook,
			},
			wantErr: true,
		},
		{
			name: "conversation with model and purpose",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeConversation,
				ExecutionSpec: models.ExecutionSpec{Model: "gpt-4o", Purpose: "Answer support questions."},
			},
		},
		{
			name: "conversation missing purpose",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeConversation,
				ExecutionSpec: models.ExecutionSpec{Model: "gpt-4o"},
			},
			wantErr: true,
		},
		{
			name: "hybrid with both stages",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeHybrid,
				ExecutionSpec: models.ExecutionSpec{
					FunctionName: "lookup",
					Model:        "gpt-4o",
					Purpose:      "Answer with fresh data.",
				},
			},
		},
		{
			name: "hybrid missing function stage",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeHybrid,
				ExecutionSpec: models.ExecutionSpec{Model: "gpt-4o", Purpose: "Answer with fresh data."},
			},
			wantErr: true,
		},
		{
			name: "hybrid missing model stage",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionTypeHybrid,
				ExecutionSpec: models.ExecutionSpec{FunctionName: "lookup"},
			},
			wantErr: true,
		},
		{
			name: "unknown execution type",
			tpl: models.AgentTemplate{
				ExecutionType: models.ExecutionType("batch"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpec(&tt.tpl)
			if tt.wantErr {
				if !errors.Is(err, ErrMisconfigured) {
					t.Fatalf("Expected ErrMisconfigured, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Expected valid spec, got %v", err)
			}
		})
	}
}

// ============================================
// Property Tests for System Prompt Assembly
// ============================================

// TestProperty_SystemPrompt_Deterministic tests prompt stability
// *For any* template and deployment, building the prompt twice SHALL yield identical text.
func TestProperty_SystemPrompt_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tpl, dep := drawPromptInputs(rt)

		p1 := BuildSystemPrompt(tpl, dep)
		p2 := BuildSystemPrompt(tpl, dep)

		if p1 != p2 {
			t.Fatalf("PROPERTY VIOLATION: Prompt should be deterministic for identical inputs")
		}
	})
}

// TestProperty_SystemPrompt_Ordering tests section ordering
// *For any* template with all sections present, the prompt SHALL open with the agent
// identity and the deployment's custom instructions SHALL come after every template section.
func TestProperty_SystemPrompt_Ordering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tpl, dep := drawPromptInputs(rt)
		tpl.ExecutionSpec.Purpose = "Handle billing questions."
		tpl.ExecutionSpec.Capabilities = []string{"refunds", "invoices"}
		dep.CustomConfig = map[string]string{"instructions": "Always answer in French."}

		prompt := BuildSystemPrompt(tpl, dep)

		if !strings.HasPrefix(prompt, "You are "+tpl.Name+".") {
			t.Fatalf("PROPERTY VIOLATION: Prompt should open with the agent identity, got %q", prompt)
		}

		customIdx := strings.Index(prompt, "Always answer in French.")
		if customIdx == -1 {
			t.Fatalf("PROPERTY VIOLATION: Custom instructions missing from prompt")
		}
		for _, section := range []string{"Handle billing questions.", "refunds", "invoices"} {
			if idx := strings.Index(prompt, section); idx == -1 || idx > customIdx {
				t.Fatalf("PROPERTY VIOLATION: Template section %q should come before custom instructions", section)
			}
		}
	})
}

// TestProperty_SystemPrompt_CapabilitiesListed tests capability inclusion
// *For any* capability list, every entry SHALL appear in the prompt as a bullet.
func TestProperty_SystemPrompt_CapabilitiesListed(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tpl, dep := drawPromptInputs(rt)
		caps := rapid.SliceOfN(rapid.StringMatching(`[a-z]{3,12}`), 1, 5).Draw(rt, "caps")
		tpl.ExecutionSpec.Capabilities = caps

		prompt := BuildSystemPrompt(tpl, dep)

		for _, c := range caps {
			if !strings.Contains(prompt, "- "+c) {
				t.Fatalf("PROPERTY VIOLATION: Capability %q should appear as a bullet in the prompt", c)
			}
		}
	})
}

func TestBuildSystemPrompt_OmitsEmptySections(t *testing.T) {
	tpl := &models.AgentTemplate{
		Name:          "Minimal Agent",
		ExecutionType: models.ExecutionTypeConversation,
		ExecutionSpec: models.ExecutionSpec{Model: "gpt-4o"},
	}

	prompt := BuildSystemPrompt(tpl, nil)

	if prompt != "You are Minimal Agent." {
		t.Fatalf("Bare template should yield just the identity line, got %q", prompt)
	}
	for _, absent := range []string{"Communicate with", "You can help", "integrations", "Additional instructions"} {
		if strings.Contains(prompt, absent) {
			t.Fatalf("Prompt should omit %q section when unset", absent)
		}
	}
}

func TestPersonalityClause_PartialSpecs(t *testing.T) {
	full := personalityClause(models.ExecutionSpec{Tone: "friendly", Style: "concise", ExpertiseLevel: "expert"})
	if full != "Communicate with a friendly tone, a concise style, expert-level expertise." {
		t.Fatalf("Unexpected full clause: %q", full)
	}

	toneOnly := personalityClause(models.ExecutionSpec{Tone: "formal"})
	if toneOnly != "Communicate with a formal tone." {
		t.Fatalf("Unexpected tone-only clause: %q", toneOnly)
	}

	if personalityClause(models.ExecutionSpec{}) != "" {
		t.Fatal("Empty personality should yield no clause")
	}
}

// ============================================
// Function Adapter Tests
// ============================================

func TestFunctionAdapter_RunsRegisteredHandler(t *testing.T) {
	registry := NewFunctionRegistry()
	registry.Register("greet", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"greeting": "hello " + payload["message"].(string)}, nil
	})
	adapter := NewFunctionAdapter(registry)

	result, err := adapter.Invoke(context.Background(), &Request{
		Template: &models.AgentTemplate{
			ExecutionSpec: models.ExecutionSpec{FunctionName: "greet"},
		},
		Message: "world",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	output, ok := result.Output.(map[string]any)
	if !ok || output["greeting"] != "hello world" {
		t.Fatalf("Unexpected output: %#v", result.Output)
	}
}

func TestFunctionAdapter_UnknownHandlerIsMisconfigured(t *testing.T) {
	adapter := NewFunctionAdapter(NewFunctionRegistry())

	_, err := adapter.Invoke(context.Background(), &Request{
		Template: &models.AgentTemplate{
			ExecutionSpec: models.ExecutionSpec{FunctionName: "missing"},
		},
	})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("Expected ErrMisconfigured, got %v", err)
	}
}

func TestFunctionAdapter_HandlerErrorIsGenericBackendError(t *testing.T) {
	registry := NewFunctionRegistry()
	registry.Register("fail", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("secret internal detail")
	})
	adapter := NewFunctionAdapter(registry)

	_, err := adapter.Invoke(context.Background(), &Request{
		Template: &models.AgentTemplate{
			ExecutionSpec: models.ExecutionSpec{FunctionName: "fail"},
		},
	})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	if strings.Contains(err.Error(), "secret internal detail") {
		t.Fatal("Handler internals must not leak to callers")
	}
}

func TestDefaultFunctionRegistry_EchoRoundTrips(t *testing.T) {
	adapter := NewFunctionAdapter(DefaultFunctionRegistry())

	result, err := adapter.Invoke(context.Background(), &Request{
		Template: &models.AgentTemplate{
			ExecutionSpec: models.ExecutionSpec{FunctionName: "echo"},
		},
		Payload: map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	output, ok := result.Output.(map[string]any)
	if !ok || output["k"] != "v" {
		t.Fatalf("Echo should return the payload, got %#v", result.Output)
	}
}

func TestFormatFunctionContext_EmbedsJSON(t *testing.T) {
	out, err := formatFunctionContext(map[string]any{"orders": 3})
	if err != nil {
		t.Fatalf("formatFunctionContext failed: %v", err)
	}
	if !strings.Contains(out, `{"orders":3}`) {
		t.Fatalf("Context should embed the JSON output, got %q", out)
	}
	if !strings.HasPrefix(out, "Result of the preprocessing step") {
		t.Fatalf("Context should open with the preprocessing preamble, got %q", out)
	}
}

// ============================================
// Helper Functions
// ============================================

func drawPromptInputs(rt *rapid.T) (*models.AgentTemplate, *models.Deployment) {
	tpl := &models.AgentTemplate{
		ID:            uuid.New(),
		Name:          rapid.StringMatching(`[A-Z][a-z]{2,15}`).Draw(rt, "name"),
		ExecutionType: models.ExecutionTypeConversation,
		ExecutionSpec: models.ExecutionSpec{
			Model:   "gpt-4o",
			Purpose: rapid.StringMatching(`[A-Z][a-z ]{5,40}\.`).Draw(rt, "purpose"),
			Tone:    rapid.SampledFrom([]string{"", "friendly", "formal"}).Draw(rt, "tone"),
		},
	}
	dep := &models.Deployment{
		ID:         uuid.New(),
		TemplateID: tpl.ID,
		TenantID:   uuid.New(),
		Name:       "Test Deployment",
	}
	return tpl, dep
}
