package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/threadgate/pkg/models"
)

type fakeEnv struct {
	mu        sync.Mutex
	text      strings.Builder
	events    []models.ChunkType
	approvals []models.ResourceType
}

func (e *fakeEnv) EmitText(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text.WriteString(text)
	return nil
}

func (e *fakeEnv) EmitEvent(ctx context.Context, chunkType models.ChunkType, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, chunkType)
	return nil
}

func (e *fakeEnv) RequestApproval(ctx context.Context, resourceType models.ResourceType, payload models.ApprovalPayload) (*models.Approval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approvals = append(e.approvals, resourceType)
	return &models.Approval{ID: fmt.Sprintf("appr-%d", len(e.approvals)), ResourceType: resourceType}, nil
}

func (e *fakeEnv) RequestHumanInput(ctx context.Context, payload *models.HumanInputPayload) (*models.Approval, error) {
	return e.RequestApproval(ctx, models.ResourceHumanInputRequest, payload)
}

// sseServer replies to the n-th completion request with the n-th script.
func sseServer(t *testing.T, scripts [][]string) (*httptest.Server, *[]openai.ChatCompletionRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []openai.ChatCompletionRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		requests = append(requests, req)
		idx := len(requests) - 1
		mu.Unlock()
		if idx >= len(scripts) {
			http.Error(w, "unexpected request", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range scripts[idx] {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func textChunk(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":      "chunk",
		"object":  "chat.completion.chunk",
		"model":   "gpt-4o",
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": text}}},
	})
	return string(raw)
}

func toolChunk(id, name, args string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":     "chunk",
		"object": "chat.completion.chunk",
		"model":  "gpt-4o",
		"choices": []any{map[string]any{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    0,
					"id":       id,
					"type":     "function",
					"function": map[string]any{"name": name, "arguments": args},
				}},
			},
		}},
	})
	return string(raw)
}

func newTestGenerator(t *testing.T, url string) *OpenAIGenerator {
	t.Helper()
	gen, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "sk-test", BaseURL: url, MaxRetries: 1})
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func testRequest(maxSteps int) *Request {
	return &Request{
		Invocation: Invocation{ThreadID: "t1", TenantID: "x", PromptMessageID: "m1", MaxSteps: maxSteps,
			Agent: models.AgentConfig{ID: "agent-1", SystemPrompt: "be brief"}},
		Prompt: &models.Message{ID: "m1", Role: models.RoleUser, Content: "Hello"},
		History: []*models.Message{
			{ID: "m0", Role: models.RoleAssistant, Content: "Welcome"},
		},
	}
}

func TestOpenAIGenerator_TextOnly(t *testing.T) {
	srv, requests := sseServer(t, [][]string{{textChunk("Hel"), textChunk("lo!")}})
	gen := newTestGenerator(t, srv.URL)
	env := &fakeEnv{}

	result, err := gen.Generate(context.Background(), testRequest(3), env)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Content != "Hello!" || result.Steps != 1 || result.Suspended() {
		t.Errorf("result = %+v", result)
	}
	if env.text.String() != "Hello!" {
		t.Errorf("emitted text = %q", env.text.String())
	}

	sent := (*requests)[0]
	if len(sent.Messages) != 3 {
		t.Fatalf("sent %d messages, want system + history + prompt", len(sent.Messages))
	}
	if sent.Messages[0].Role != openai.ChatMessageRoleSystem || sent.Messages[2].Content != "Hello" {
		t.Errorf("messages = %+v", sent.Messages)
	}
	if len(sent.Tools) != len(gatingTools) {
		t.Errorf("tools = %d, want %d", len(sent.Tools), len(gatingTools))
	}
}

func TestOpenAIGenerator_HumanInputSuspends(t *testing.T) {
	args := `{"question":"Proceed?","format":"yes_no"}`
	srv, _ := sseServer(t, [][]string{{textChunk("Let me check. "), toolChunk("call_1", ToolAskHuman, args)}})
	gen := newTestGenerator(t, srv.URL)
	env := &fakeEnv{}

	result, err := gen.Generate(context.Background(), testRequest(3), env)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !result.Suspended() || result.PendingApprovalID != "appr-1" {
		t.Errorf("result = %+v, want suspended on appr-1", result)
	}
	if len(env.approvals) != 1 || env.approvals[0] != models.ResourceHumanInputRequest {
		t.Errorf("approvals = %v", env.approvals)
	}
	if len(env.events) != 1 || env.events[0] != models.ChunkToolCall {
		t.Errorf("events = %v", env.events)
	}
}

func TestOpenAIGenerator_UnknownToolFeedsBackError(t *testing.T) {
	srv, requests := sseServer(t, [][]string{
		{toolChunk("call_1", "delete_everything", `{}`)},
		{textChunk("Sorry, I cannot do that.")},
	})
	gen := newTestGenerator(t, srv.URL)
	env := &fakeEnv{}

	result, err := gen.Generate(context.Background(), testRequest(3), env)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Steps != 2 || result.Suspended() {
		t.Errorf("result = %+v", result)
	}
	if len(*requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(*requests))
	}
	second := (*requests)[1].Messages
	last := second[len(second)-1]
	if last.Role != openai.ChatMessageRoleTool || last.ToolCallID != "call_1" || !strings.HasPrefix(last.Content, "error:") {
		t.Errorf("tool feedback = %+v", last)
	}
}

func TestOpenAIGenerator_StepBudget(t *testing.T) {
	loop := []string{toolChunk("call_1", "nope", `{}`)}
	srv, requests := sseServer(t, [][]string{loop, loop})
	gen := newTestGenerator(t, srv.URL)

	result, err := gen.Generate(context.Background(), testRequest(2), &fakeEnv{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Steps != 2 || len(*requests) != 2 {
		t.Errorf("steps = %d requests = %d, want 2 and 2", result.Steps, len(*requests))
	}
}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIGenerator(OpenAIConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestToolsFor(t *testing.T) {
	tools := toolsFor(models.AgentConfig{Tools: []string{ToolAskHuman, "web_search"}})
	if len(tools) != 1 || tools[0].Function.Name != ToolAskHuman {
		t.Errorf("toolsFor() = %+v", tools)
	}
}

func TestDecodeToolCall(t *testing.T) {
	rt, payload, err := decodeToolCall(ToolProposeAutomation, json.RawMessage(`{"name":"Daily","schedule":"0 9 * * *","prompt":"summarize"}`), models.AgentConfig{ID: "agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	if rt != models.ResourceAutomationCreation {
		t.Errorf("resource type = %s", rt)
	}
	if auto := payload.(*models.AutomationCreationPayload); auto.AgentID != "agent-1" {
		t.Errorf("agent id = %q", auto.AgentID)
	}
	if _, _, err := decodeToolCall(ToolAskHuman, json.RawMessage(`not json`), models.AgentConfig{}); err == nil {
		t.Error("expected decode error")
	}
}
