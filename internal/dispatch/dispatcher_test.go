package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/threadgate/internal/attachments"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/generation"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

type membershipFunc func(tenantID, userID string) bool

func (f membershipFunc) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	return f(tenantID, userID), nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	return nil, false, errors.New("queue down")
}

type harness struct {
	dispatcher *Dispatcher
	threads    *threads.MemoryStore
	streams    *streams.Manager
	queue      *jobs.MemoryQueue
	caller     *models.User
	thread     *models.Thread
}

func newHarness(t *testing.T, agent models.AgentConfig, queue Enqueuer) *harness {
	t.Helper()
	h := &harness{
		threads: threads.NewMemoryStore(),
		streams: streams.NewManager(streams.NewMemoryStore()),
		queue:   jobs.NewMemoryQueue(),
		caller:  &models.User{ID: "user-1"},
	}
	if queue == nil {
		queue = h.queue
	}
	resolver := attachments.ResolverFunc(func(ctx context.Context, ref string) (string, error) {
		if strings.HasPrefix(ref, "missing") {
			return "", attachments.ErrUnresolvable
		}
		return "https://files.example.com/" + ref, nil
	})
	d, err := New(Deps{
		Threads:    h.threads,
		Streams:    h.streams,
		Inliner:    attachments.NewInliner(resolver, nil),
		Agents:     NewStaticAgents([]models.AgentConfig{agent}, ""),
		Membership: membershipFunc(func(tenantID, userID string) bool { return tenantID == "tenant-1" }),
		Queue:      queue,
	}, Config{DefaultMaxSteps: 7})
	if err != nil {
		t.Fatal(err)
	}
	h.dispatcher = d

	thread, err := d.CreateThread(context.Background(), h.caller, "tenant-1", "Support")
	if err != nil {
		t.Fatal(err)
	}
	h.thread = thread
	return h
}

func (h *harness) userMessages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := h.threads.History(context.Background(), h.thread.ID, threads.HistoryOptions{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	var out []*models.Message
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) chat(message string) StartChatRequest {
	return StartChatRequest{ThreadID: h.thread.ID, TenantID: "tenant-1", Message: message}
}

var streamingAgent = models.AgentConfig{ID: "agent-1", Streaming: true}

func TestStartChat_NewMessage(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()

	prior := &models.Message{ThreadID: h.thread.ID, Role: models.RoleAssistant, Content: "How can I help?"}
	if err := h.threads.AppendMessage(ctx, prior); err != nil {
		t.Fatal(err)
	}

	res, err := h.dispatcher.StartChat(ctx, h.caller, h.chat("  Hello  "))
	if err != nil {
		t.Fatalf("StartChat() error = %v", err)
	}
	if res.AlreadyExists {
		t.Error("AlreadyExists = true, want false")
	}
	if res.StreamHandle == "" {
		t.Error("expected a stream handle for a streaming agent")
	}

	users := h.userMessages(t)
	if len(users) != 1 || users[0].Content != "Hello" {
		t.Fatalf("user messages = %+v, want one with content Hello", users)
	}

	job, err := h.queue.Get(ctx, res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	inv, err := generation.DecodeJob(job)
	if err != nil {
		t.Fatal(err)
	}
	if inv.PromptMessageID != users[0].ID || inv.StreamHandle != res.StreamHandle || inv.MaxSteps != 7 {
		t.Errorf("invocation = %+v", inv)
	}
}

func TestStartChat_DuplicateSubmission(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()

	first, err := h.dispatcher.StartChat(ctx, h.caller, h.chat("Hello"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.dispatcher.StartChat(ctx, h.caller, h.chat("Hello "))
	if err != nil {
		t.Fatal(err)
	}

	if !second.AlreadyExists {
		t.Error("second call AlreadyExists = false, want true")
	}
	if second.PromptMessageID != first.PromptMessageID {
		t.Errorf("prompt id = %s, want %s", second.PromptMessageID, first.PromptMessageID)
	}
	if second.JobID != first.JobID {
		t.Errorf("duplicate scheduled a second job: %s vs %s", second.JobID, first.JobID)
	}
	if second.StreamHandle != first.StreamHandle {
		t.Errorf("stream handle = %s, want existing %s", second.StreamHandle, first.StreamHandle)
	}
	if n := len(h.userMessages(t)); n != 1 {
		t.Errorf("user message count = %d, want 1", n)
	}
}

func TestStartChat_DuplicateSkipsAttachments(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()

	req := h.chat("See file")
	req.Attachments = []models.AttachmentRef{{StorageRef: "doc-1", FileName: "a.pdf", FileType: "application/pdf"}}
	first, err := h.dispatcher.StartChat(ctx, h.caller, req)
	if err != nil {
		t.Fatal(err)
	}
	job, _ := h.queue.Get(ctx, first.JobID)
	inv, _ := generation.DecodeJob(job)
	if len(inv.Attachments) != 1 {
		t.Errorf("first run attachments = %d, want 1", len(inv.Attachments))
	}

	users := h.userMessages(t)
	if !strings.Contains(users[0].Content, "attachment id: doc-1") {
		t.Errorf("content not inlined: %q", users[0].Content)
	}

	second, err := h.dispatcher.StartChat(ctx, h.caller, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyExists || second.JobID != first.JobID {
		t.Errorf("retry with attachments = %+v, want duplicate of %s", second, first.JobID)
	}
	if n := len(h.userMessages(t)); n != 1 {
		t.Errorf("user message count = %d, want 1", n)
	}
}

func TestStartChat_UnresolvableAttachmentOmitted(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	req := h.chat("Two files")
	req.Attachments = []models.AttachmentRef{
		{StorageRef: "img-1", FileName: "a.png", FileType: "image/png"},
		{StorageRef: "missing-1", FileName: "b.png", FileType: "image/png"},
	}
	if _, err := h.dispatcher.StartChat(context.Background(), h.caller, req); err != nil {
		t.Fatalf("StartChat() error = %v", err)
	}
	content := h.userMessages(t)[0].Content
	if !strings.Contains(content, "img-1") || strings.Contains(content, "missing-1") {
		t.Errorf("content = %q", content)
	}
}

func TestStartChat_NonStreamingAgent(t *testing.T) {
	h := newHarness(t, models.AgentConfig{ID: "agent-1", MaxSteps: 3}, nil)
	res, err := h.dispatcher.StartChat(context.Background(), h.caller, h.chat("Hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StreamHandle != "" {
		t.Errorf("StreamHandle = %q, want empty", res.StreamHandle)
	}
	job, _ := h.queue.Get(context.Background(), res.JobID)
	inv, _ := generation.DecodeJob(job)
	if inv.MaxSteps != 3 {
		t.Errorf("MaxSteps = %d, want agent default 3", inv.MaxSteps)
	}
}

func TestStartChat_Rejections(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()

	other := &models.Thread{TenantID: "tenant-1", UserID: "user-2"}
	if err := h.threads.CreateThread(ctx, other); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		caller *models.User
		req    StartChatRequest
		want   error
	}{
		{"unauthenticated", nil, h.chat("Hi"), errdefs.ErrUnauthenticated},
		{"not a member", h.caller, StartChatRequest{ThreadID: h.thread.ID, TenantID: "tenant-2", Message: "Hi"}, errdefs.ErrNotFound},
		{"missing thread", h.caller, StartChatRequest{ThreadID: "nope", TenantID: "tenant-1", Message: "Hi"}, errdefs.ErrNotFound},
		{"not owner", h.caller, StartChatRequest{ThreadID: other.ID, TenantID: "tenant-1", Message: "Hi"}, errdefs.ErrNotFound},
		{"empty message", h.caller, h.chat("   "), errdefs.ErrValidation},
		{"unknown agent", h.caller, StartChatRequest{ThreadID: h.thread.ID, TenantID: "tenant-1", Message: "Hi", AgentID: "ghost"}, errdefs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.dispatcher.StartChat(ctx, tt.caller, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("StartChat() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(h.userMessages(t)); n != 0 {
		t.Errorf("rejected calls persisted %d messages", n)
	}
}

func TestStartChat_EnqueueFailureClosesStream(t *testing.T) {
	h := newHarness(t, streamingAgent, failingQueue{})
	_, err := h.dispatcher.StartChat(context.Background(), h.caller, h.chat("Hi"))
	if err == nil {
		t.Fatal("expected error when the queue is unavailable")
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()

	answer := &models.Message{ThreadID: h.thread.ID, Role: models.RoleUser, Content: "Q: Proceed?\nA: Yes"}
	if err := h.threads.AppendMessage(ctx, answer); err != nil {
		t.Fatal(err)
	}
	handle, err := h.dispatcher.Resume(ctx, ResumeRequest{
		ThreadID:        h.thread.ID,
		TenantID:        "tenant-1",
		PromptMessageID: answer.ID,
	})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if handle == "" {
		t.Fatal("expected a new stream handle")
	}
	stream, err := h.streams.Get(ctx, handle)
	if err != nil || stream.Status != models.StreamStreaming {
		t.Errorf("stream = %+v, err = %v", stream, err)
	}

	if _, err := h.dispatcher.Resume(ctx, ResumeRequest{ThreadID: h.thread.ID, TenantID: "tenant-9", PromptMessageID: answer.ID}); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Resume() across tenants error = %v, want not found", err)
	}
}

func TestMessages(t *testing.T) {
	h := newHarness(t, streamingAgent, nil)
	ctx := context.Background()
	if _, err := h.dispatcher.StartChat(ctx, h.caller, h.chat("Hi")); err != nil {
		t.Fatal(err)
	}
	msgs, err := h.dispatcher.Messages(ctx, h.caller, "tenant-1", h.thread.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
	if _, err := h.dispatcher.Messages(ctx, &models.User{ID: "user-2"}, "tenant-1", h.thread.ID, 10); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("foreign caller error = %v", err)
	}
}

func TestStaticAgents(t *testing.T) {
	agents := NewStaticAgents([]models.AgentConfig{{ID: "a"}, {ID: "b"}}, "b")
	got, err := agents.ResolveAgent(context.Background(), "t", "")
	if err != nil || got.ID != "b" {
		t.Errorf("default agent = %+v, %v", got, err)
	}
	if _, err := agents.ResolveAgent(context.Background(), "t", "zzz"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("unknown agent error = %v", err)
	}
}
