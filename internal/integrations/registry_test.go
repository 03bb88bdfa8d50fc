package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

type stubOperation struct {
	validateErr error
	runs        int
	params      map[string]any
}

func (s *stubOperation) Validate(params map[string]any) error { return s.validateErr }

func (s *stubOperation) Run(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	s.runs++
	s.params = params
	return json.RawMessage(`{"done":true}`), nil
}

func TestRegistry_ValidatePayload(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("jira.create_issue", &stubOperation{})
	r.Register("slack.post_message", &stubOperation{validateErr: errors.New("channel is required")})

	tests := []struct {
		name    string
		payload models.ApprovalPayload
		wantErr bool
	}{
		{"known operation", &models.IntegrationOperationPayload{Operation: "jira.create_issue"}, false},
		{"integration prefix", &models.IntegrationOperationPayload{Integration: "jira", Operation: "create_issue"}, false},
		{"unknown operation", &models.IntegrationOperationPayload{Operation: "github.merge"}, true},
		{"invalid parameters", &models.IntegrationOperationPayload{Operation: "slack.post_message"}, true},
		{"wrong payload", &models.CustomPayload{Title: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidatePayload(context.Background(), tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errdefs.ErrValidation) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}

func TestRegistry_Execute(t *testing.T) {
	op := &stubOperation{}
	r := NewRegistry(nil)
	r.Register("jira.create_issue", op)

	result, err := r.Execute(context.Background(), &models.Approval{
		ID: "a-1",
		Payload: &models.IntegrationOperationPayload{
			Operation:  "jira.create_issue",
			Parameters: map[string]any{"summary": "Broken login"},
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != `{"done":true}` || op.runs != 1 || op.params["summary"] != "Broken login" {
		t.Fatalf("Execute() = %s, runs = %d, params = %v", result, op.runs, op.params)
	}

	if _, err := r.Execute(context.Background(), &models.Approval{ID: "a-2", Payload: &models.CustomPayload{}}); err == nil {
		t.Fatal("Execute() with custom payload succeeded")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(WebhookOperationPost, &stubOperation{})
	r.Register(SlackOperationPostMessage, &stubOperation{})
	names := r.Names()
	if len(names) != 2 || names[0] != SlackOperationPostMessage || names[1] != WebhookOperationPost {
		t.Fatalf("Names() = %v", names)
	}
}
