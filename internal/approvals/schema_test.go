package approvals

import (
	"testing"

	"github.com/haasonsaas/threadgate/pkg/models"
)

func TestValidateMetadata(t *testing.T) {
	tests := []struct {
		name     string
		resource models.ResourceType
		metadata string
		wantErr  bool
	}{
		{"integration", models.ResourceIntegrationOperation, `{"operation":"webhook.post","parameters":{"url":"https://example.com"}}`, false},
		{"integration without operation", models.ResourceIntegrationOperation, `{"parameters":{}}`, true},
		{"automation", models.ResourceAutomationCreation, `{"name":"Digest","schedule":"0 9 * * *","prompt":"Summarize"}`, false},
		{"automation missing prompt", models.ResourceAutomationCreation, `{"name":"Digest","schedule":"0 9 * * *"}`, true},
		{"human input", models.ResourceHumanInputRequest, `{"question":"Ship?","format":"yes_no"}`, false},
		{"human input bad format", models.ResourceHumanInputRequest, `{"question":"Ship?","format":"essay"}`, true},
		{"human input option without value", models.ResourceHumanInputRequest, `{"question":"Pick","format":"single_select","options":[{"label":"A"}]}`, true},
		{"human input with response", models.ResourceHumanInputRequest, `{"question":"Ship?","format":"yes_no","response":{"value":"yes"}}`, true},
		{"custom", models.ResourceCustom, `{"title":"Review","data":{"any":1}}`, false},
		{"unknown field", models.ResourceCustom, `{"title":"Review","extra":true}`, true},
		{"not json", models.ResourceCustom, `{`, true},
		{"unknown type", models.ResourceType("billing"), `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMetadata(tt.resource, []byte(tt.metadata))
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateMetadata() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
