package generation

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// Gating tool names offered to the model.
const (
	ToolAskHuman           = "ask_human"
	ToolRequestIntegration = "request_integration_write"
	ToolProposeAutomation  = "propose_automation"
)

var gatingTools = []openai.Tool{
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ToolAskHuman,
			Description: "Ask the user a clarifying question and wait for their answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":    map[string]any{"type": "string"},
					"format":      map[string]any{"type": "string", "enum": []string{"single_select", "multi_select", "free_text", "yes_no"}},
					"context":     map[string]any{"type": "string"},
					"placeholder": map[string]any{"type": "string"},
					"options": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"value":       map[string]any{"type": "string"},
								"label":       map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
							},
							"required": []string{"value"},
						},
					},
				},
				"required": []string{"question", "format"},
			},
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ToolRequestIntegration,
			Description: "Request permission to perform a write against an external integration.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"integration":      map[string]any{"type": "string"},
					"operation":        map[string]any{"type": "string"},
					"parameters":       map[string]any{"type": "object"},
					"estimated_impact": map[string]any{"type": "string"},
					"description":      map[string]any{"type": "string"},
				},
				"required": []string{"operation"},
			},
		},
	},
	{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ToolProposeAutomation,
			Description: "Propose a scheduled automation that runs a prompt on a cron schedule.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"schedule":    map[string]any{"type": "string"},
					"timezone":    map[string]any{"type": "string"},
					"prompt":      map[string]any{"type": "string"},
				},
				"required": []string{"name", "schedule", "prompt"},
			},
		},
	},
}

// toolsFor returns the gating tools enabled for agent. An agent without an
// explicit tool list gets all of them.
func toolsFor(agent models.AgentConfig) []openai.Tool {
	if len(agent.Tools) == 0 {
		return gatingTools
	}
	enabled := make(map[string]bool, len(agent.Tools))
	for _, name := range agent.Tools {
		enabled[name] = true
	}
	var out []openai.Tool
	for _, tool := range gatingTools {
		if enabled[tool.Function.Name] {
			out = append(out, tool)
		}
	}
	return out
}

// decodeToolCall maps a gating tool call to the approval it requests.
func decodeToolCall(name string, args json.RawMessage, agent models.AgentConfig) (models.ResourceType, models.ApprovalPayload, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var (
		resourceType models.ResourceType
		payload      models.ApprovalPayload
	)
	switch name {
	case ToolAskHuman:
		resourceType, payload = models.ResourceHumanInputRequest, &models.HumanInputPayload{}
	case ToolRequestIntegration:
		resourceType, payload = models.ResourceIntegrationOperation, &models.IntegrationOperationPayload{}
	case ToolProposeAutomation:
		resourceType, payload = models.ResourceAutomationCreation, &models.AutomationCreationPayload{}
	default:
		return "", nil, fmt.Errorf("unknown tool %q", name)
	}
	if err := json.Unmarshal(args, payload); err != nil {
		return "", nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	if auto, ok := payload.(*models.AutomationCreationPayload); ok && auto.AgentID == "" {
		auto.AgentID = agent.ID
	}
	return resourceType, payload, nil
}
