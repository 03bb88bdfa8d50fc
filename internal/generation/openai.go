package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/threadgate/internal/backoff"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible generator.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// OpenAIGenerator streams chat completions and turns gating tool calls into
// approvals.
type OpenAIGenerator struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retry        backoff.Policy
	logger       *slog.Logger
}

// NewOpenAIGenerator creates a generator. BaseURL selects any
// OpenAI-compatible endpoint.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retry:        backoff.Policy{Initial: cfg.RetryDelay, Max: 30 * time.Second, Factor: 2, Jitter: 0.1},
		logger:       logger.With("component", "openai-generator"),
	}, nil
}

// Generate runs up to MaxSteps completions. It stops early when the model
// answers without tool calls or when a gating tool creates an approval.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *Request, env Environment) (*Result, error) {
	inv := req.Invocation
	model := inv.Agent.Model
	if model == "" {
		model = g.defaultModel
	}
	messages := buildMessages(inv.Agent.SystemPrompt, req.History, req.Prompt)
	tools := toolsFor(inv.Agent)

	var content strings.Builder
	for step := 1; step <= inv.MaxSteps; step++ {
		text, calls, err := g.complete(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
			Stream:   true,
		}, env)
		if err != nil {
			return nil, err
		}
		content.WriteString(text)

		if len(calls) == 0 {
			return &Result{Content: content.String(), Steps: step}, nil
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			if err := env.EmitEvent(ctx, models.ChunkToolCall, map[string]any{
				"id":        call.ID,
				"name":      call.Function.Name,
				"arguments": json.RawMessage(nonEmptyJSON(call.Function.Arguments)),
			}); err != nil {
				return nil, err
			}

			approval, err := g.gate(ctx, call, inv.Agent, env)
			if errors.Is(err, errdefs.ErrValidation) {
				// Hand the failure back to the model so it can correct itself.
				messages = append(messages, toolMessage(call.ID, "error: "+err.Error()))
				continue
			}
			if err != nil {
				return nil, err
			}
			return &Result{Content: content.String(), Steps: step, PendingApprovalID: approval.ID}, nil
		}
	}
	g.logger.Warn("step budget exhausted", "thread_id", inv.ThreadID, "max_steps", inv.MaxSteps)
	return &Result{Content: content.String(), Steps: inv.MaxSteps}, nil
}

// gate creates the approval for a gating tool call. Malformed calls yield
// validation errors.
func (g *OpenAIGenerator) gate(ctx context.Context, call openai.ToolCall, agent models.AgentConfig, env Environment) (*models.Approval, error) {
	resourceType, payload, err := decodeToolCall(call.Function.Name, json.RawMessage(call.Function.Arguments), agent)
	if err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if human, ok := payload.(*models.HumanInputPayload); ok {
		return env.RequestHumanInput(ctx, human)
	}
	return env.RequestApproval(ctx, resourceType, payload)
}

// complete performs one streamed completion, forwarding text deltas to env.
func (g *OpenAIGenerator) complete(ctx context.Context, req openai.ChatCompletionRequest, env Environment) (string, []openai.ToolCall, error) {
	stream, err := g.openStream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var text strings.Builder
	calls := map[int]*openai.ToolCall{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("stream completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if err := env.EmitText(ctx, delta.Content); err != nil {
				return "", nil, fmt.Errorf("emit text: %w", err)
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc, ok := calls[index]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				calls[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]openai.ToolCall, 0, len(calls))
	for _, i := range indexes {
		if calls[i].ID != "" && calls[i].Function.Name != "" {
			out = append(out, *calls[i])
		}
	}
	return text.String(), out, nil
}

func (g *OpenAIGenerator) openStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, g.retry.Delay(attempt)); err != nil {
				return nil, err
			}
		}
		stream, err := g.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("create completion stream: %w", err)
		}
		g.logger.Warn("retrying completion", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func buildMessages(system string, history []*models.Message, prompt *models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range history {
		if role, ok := chatRole(msg.Role); ok && msg.Content != "" {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
		}
	}
	if prompt != nil {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.Content})
	}
	return out
}

func chatRole(role models.Role) (string, bool) {
	switch role {
	case models.RoleUser:
		return openai.ChatMessageRoleUser, true
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant, true
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem, true
	}
	return "", false
}

func toolMessage(callID, content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		ToolCallID: callID,
	}
}

func nonEmptyJSON(s string) string {
	if strings.TrimSpace(s) == "" || !json.Valid([]byte(s)) {
		return "{}"
	}
	return s
}
