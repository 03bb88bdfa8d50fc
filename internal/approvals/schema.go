package approvals

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/threadgate/pkg/models"
)

type metadataSchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[models.ResourceType]*jsonschema.Schema
}

var metadataSchemas metadataSchemaRegistry

func initMetadataSchemas() error {
	metadataSchemas.once.Do(func() {
		sources := map[models.ResourceType]string{
			models.ResourceIntegrationOperation: integrationOperationSchema,
			models.ResourceAutomationCreation:   automationCreationSchema,
			models.ResourceHumanInputRequest:    humanInputRequestSchema,
			models.ResourceCustom:               customSchema,
		}
		metadataSchemas.schemas = make(map[models.ResourceType]*jsonschema.Schema, len(sources))
		for resourceType, source := range sources {
			compiled, err := jsonschema.CompileString("approval_"+string(resourceType), source)
			if err != nil {
				metadataSchemas.initErr = err
				return
			}
			metadataSchemas.schemas[resourceType] = compiled
		}
	})
	return metadataSchemas.initErr
}

// validateMetadata checks raw approval metadata against the schema of its
// resource type.
func validateMetadata(resourceType models.ResourceType, raw json.RawMessage) error {
	if err := initMetadataSchemas(); err != nil {
		return err
	}
	schema := metadataSchemas.schemas[resourceType]
	if schema == nil {
		return fmt.Errorf("%w: %q", models.ErrUnknownResourceType, resourceType)
	}
	var doc any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("metadata is not valid JSON: %w", err)
		}
	}
	return schema.Validate(doc)
}

const integrationOperationSchema = `{
  "type": "object",
  "required": ["operation"],
  "properties": {
    "integration": { "type": "string" },
    "operation": { "type": "string", "minLength": 1 },
    "parameters": { "type": "object" },
    "estimated_impact": { "type": "string" },
    "description": { "type": "string" }
  },
  "additionalProperties": false
}`

const automationCreationSchema = `{
  "type": "object",
  "required": ["name", "schedule", "prompt"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "schedule": { "type": "string", "minLength": 1 },
    "timezone": { "type": "string" },
    "prompt": { "type": "string", "minLength": 1 },
    "agent_id": { "type": "string" }
  },
  "additionalProperties": false
}`

const humanInputRequestSchema = `{
  "type": "object",
  "required": ["question", "format"],
  "properties": {
    "question": { "type": "string", "minLength": 1 },
    "format": { "enum": ["single_select", "multi_select", "free_text", "yes_no"] },
    "options": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["value"],
        "properties": {
          "value": { "type": "string", "minLength": 1 },
          "label": { "type": "string" },
          "description": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "context": { "type": "string" },
    "placeholder": { "type": "string" }
  },
  "additionalProperties": false
}`

const customSchema = `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "data": {}
  },
  "additionalProperties": false
}`
