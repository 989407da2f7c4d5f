package backend

import (
	"fmt"
	"strings"

	"github.com/driftlabs/agentgrid/internal/models"
)

// BuildSystemPrompt assembles the hidden system prompt for a conversational
// deployment. Ordering is fixed so that identical inputs always produce the
// same prompt: purpose, personality, capabilities, integrations, then the
// tenant's custom instructions appended last.
func BuildSystemPrompt(tpl *models.AgentTemplate, dep *models.Deployment) string {
	spec := tpl.ExecutionSpec

	var b strings.Builder

	if spec.Purpose != "" {
		b.WriteString(fmt.Sprintf("You are %s. %s", tpl.Name, spec.Purpose))
	} else {
		b.WriteString(fmt.Sprintf("You are %s.", tpl.Name))
	}

	personality := personalityClause(spec)
	if personality != "" {
		b.WriteString("\n\n")
		b.WriteString(personality)
	}

	if len(spec.Capabilities) > 0 {
		b.WriteString("\n\nYou can help with the following:\n")
		for _, c := range spec.Capabilities {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	if len(spec.Integrations) > 0 {
		b.WriteString("\nYou have access to these integrations:\n")
		for _, ig := range spec.Integrations {
			b.WriteString("- ")
			b.WriteString(ig)
			b.WriteString("\n")
		}
	}

	// Tenant instructions always come last so they refine, not override,
	// the template's identity.
	if dep != nil {
		if custom := dep.CustomInstructions(); custom != "" {
			b.WriteString("\nAdditional instructions from the deployment owner:\n")
			b.WriteString(custom)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// personalityClause renders tone, style and expertise level into one sentence
func personalityClause(spec models.ExecutionSpec) string {
	var parts []string
	if spec.Tone != "" {
		parts = append(parts, fmt.Sprintf("a %s tone", spec.Tone))
	}
	if spec.Style != "" {
		parts = append(parts, fmt.Sprintf("a %s style", spec.Style))
	}
	if spec.ExpertiseLevel != "" {
		parts = append(parts, fmt.Sprintf("%s-level expertise", spec.ExpertiseLevel))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Communicate with " + strings.Join(parts, ", ") + "."
}
