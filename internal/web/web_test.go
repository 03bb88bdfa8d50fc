package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/threadgate/internal/approvals"
	"github.com/haasonsaas/threadgate/internal/auth"
	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

const (
	aliceKey = "alice-key"
	bobKey   = "bob-key"
)

type apiFixture struct {
	server  *httptest.Server
	streams *streams.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	threadStore := threads.NewMemoryStore()
	manager := streams.NewManager(streams.NewMemoryStore(), streams.WithPollInterval(10*time.Millisecond))
	queue := jobs.NewMemoryQueue()
	membership := auth.NewStaticMembership([]auth.TenantConfig{
		{ID: "acme", Members: []string{"alice"}},
		{ID: "globex", Members: []string{"bob"}},
	})

	dispatcher, err := dispatch.New(dispatch.Deps{
		Threads:    threadStore,
		Streams:    manager,
		Agents:     dispatch.NewStaticAgents([]models.AgentConfig{{ID: "support", Streaming: true}}, "support"),
		Membership: membership,
		Queue:      queue,
		Logger:     logger,
	}, dispatch.Config{})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	approvalService, err := approvals.NewService(approvals.Deps{
		Store:      approvals.NewMemoryStore(),
		Threads:    threadStore,
		Membership: membership,
		Resumer:    dispatcher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("approvals.NewService() error = %v", err)
	}

	srv, err := New(Config{
		Auth: auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{
			{Key: aliceKey, UserID: "alice"},
			{Key: bobKey, UserID: "bob"},
		}}),
		Chats:     dispatcher,
		Approvals: approvalService,
		Streams:   manager,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{server: ts, streams: manager}
}

func (f *apiFixture) do(t *testing.T, method, path, key string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func (f *apiFixture) createThread(t *testing.T) *models.Thread {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/threads", aliceKey, map[string]string{"tenant_id": "acme", "title": "Support"})
	if status != http.StatusCreated {
		t.Fatalf("create thread status = %d body = %s", status, body)
	}
	var thread models.Thread
	if err := json.Unmarshal(body, &thread); err != nil {
		t.Fatal(err)
	}
	return &thread
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("healthz = %d %s", status, body)
	}
}

func TestAPIRequiresCredentials(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"wrong", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.do(t, http.MethodPost, "/api/threads", tt.key, map[string]string{"tenant_id": "acme"})
			if status != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", status)
			}
		})
	}
}

func TestChatFlow(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)
	chatPath := "/api/threads/" + thread.ID + "/chat"

	status, body := f.do(t, http.MethodPost, chatPath, aliceKey, map[string]string{"tenant_id": "acme", "message": "hello"})
	if status != http.StatusAccepted {
		t.Fatalf("chat status = %d body = %s", status, body)
	}
	first := decode[dispatch.StartChatResult](t, body)
	if first.AlreadyExists || first.StreamHandle == "" || first.PromptMessageID == "" {
		t.Fatalf("first chat = %+v", first)
	}

	status, body = f.do(t, http.MethodPost, chatPath, aliceKey, map[string]string{"tenant_id": "acme", "message": "hello"})
	if status != http.StatusOK {
		t.Fatalf("duplicate chat status = %d body = %s", status, body)
	}
	second := decode[dispatch.StartChatResult](t, body)
	if !second.AlreadyExists || second.PromptMessageID != first.PromptMessageID || second.StreamHandle != first.StreamHandle {
		t.Fatalf("duplicate chat = %+v, want adoption of %+v", second, first)
	}

	status, body = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/messages?tenant_id=acme", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("messages status = %d body = %s", status, body)
	}
	msgs := decode[messagesResponse](t, body)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
}

func TestThreadIsolation(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"foreign tenant messages", http.MethodGet, "/api/threads/" + thread.ID + "/messages?tenant_id=acme", nil, http.StatusNotFound},
		{"own tenant wrong thread", http.MethodGet, "/api/threads/" + thread.ID + "/messages?tenant_id=globex", nil, http.StatusNotFound},
		{"chat", http.MethodPost, "/api/threads/" + thread.ID + "/chat", map[string]string{"tenant_id": "globex", "message": "hi"}, http.StatusNotFound},
		{"missing tenant", http.MethodGet, "/api/threads/" + thread.ID + "/messages", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.path, bobKey, tt.body)
			if status != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", status, tt.want, body)
			}
		})
	}
}

func TestChatValidation(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)

	status, _ := f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", aliceKey, map[string]string{"tenant_id": "acme", "message": "   "})
	if status != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", status)
	}
	status, _ = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/messages?tenant_id=acme&limit=abc", aliceKey, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", status)
	}
}

func TestHumanInputFlow(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)

	status, body := f.do(t, http.MethodPost, "/api/approvals", aliceKey, map[string]any{
		"tenant_id":     "acme",
		"resource_type": "human_input_request",
		"thread_id":     thread.ID,
		"agent_id":      "support",
		"metadata":      map[string]any{"question": "Ship it?", "format": "yes_no"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create approval status = %d body = %s", status, body)
	}
	created := decode[map[string]any](t, body)
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "pending" {
		t.Fatalf("created = %v", created)
	}

	status, body = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/approvals?tenant_id=acme&resource_type=human_input_request", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d body = %s", status, body)
	}
	list := decode[map[string][]map[string]any](t, body)
	if len(list["approvals"]) != 1 {
		t.Fatalf("pending approvals = %v", list)
	}

	status, body = f.do(t, http.MethodPost, "/api/approvals/"+id+"/decision", aliceKey, map[string]string{"decision": "approved"})
	if status != http.StatusBadRequest {
		t.Fatalf("decision on human input status = %d, want 400 (body %s)", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/api/approvals/"+id+"/response", aliceKey, map[string]any{"response": "yes"})
	if status != http.StatusOK {
		t.Fatalf("response status = %d body = %s", status, body)
	}
	result := decode[map[string]any](t, body)
	if result["success"] != true || result["thread_id"] != thread.ID || result["stream_handle"] == "" {
		t.Fatalf("respond result = %v", result)
	}

	status, _ = f.do(t, http.MethodPost, "/api/approvals/"+id+"/response", aliceKey, map[string]any{"response": "no"})
	if status != http.StatusConflict {
		t.Fatalf("second response status = %d, want 409", status)
	}

	status, body = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/messages?tenant_id=acme", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("messages status = %d", status)
	}
	msgs := decode[messagesResponse](t, body)
	if len(msgs.Messages) != 1 || !strings.Contains(msgs.Messages[0].Content, "Ship it?") {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
}

func TestResponseRequiresValue(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/approvals/any/response", aliceKey, map[string]any{})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestDecisionFlow(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)

	status, body := f.do(t, http.MethodPost, "/api/approvals", aliceKey, map[string]any{
		"tenant_id":     "acme",
		"resource_type": "custom",
		"thread_id":     thread.ID,
		"metadata":      map[string]any{"title": "Refund order 42"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", status, body)
	}
	id := decode[map[string]any](t, body)["id"].(string)

	tests := []struct {
		name string
		key  string
		body map[string]string
		want int
	}{
		{"foreign caller", bobKey, map[string]string{"decision": "approved"}, http.StatusNotFound},
		{"invalid decision", aliceKey, map[string]string{"decision": "maybe"}, http.StatusBadRequest},
		{"approve", aliceKey, map[string]string{"decision": "approved", "comments": "ok"}, http.StatusOK},
		{"decide twice", aliceKey, map[string]string{"decision": "rejected"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/api/approvals/"+id+"/decision", tt.key, tt.body)
			if status != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", status, tt.want, body)
			}
		})
	}

	status, body = f.do(t, http.MethodGet, "/api/approvals/"+id, aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	got := decode[map[string]any](t, body)
	if got["status"] != "approved" || got["decided_by"] != "alice" {
		t.Fatalf("approval = %v", got)
	}

	status, _ = f.do(t, http.MethodGet, "/api/approvals/missing", aliceKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing approval status = %d, want 404", status)
	}
}

func TestStreamRead(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)
	ctx := context.Background()
	handle, err := f.streams.Create(ctx, thread.ID, thread.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.streams.AppendText(ctx, handle, "Hel"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.streams.AppendText(ctx, handle, "lo"); err != nil {
		t.Fatal(err)
	}

	status, body := f.do(t, http.MethodGet, "/api/streams/"+handle+"?offset=1", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("read status = %d body = %s", status, body)
	}
	snap := decode[streams.Snapshot](t, body)
	if len(snap.Chunks) != 1 || snap.Chunks[0].Text != "lo" || snap.NextOffset != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.streams.Finish(context.Background(), handle, models.StreamDone, "")
	}()
	status, body = f.do(t, http.MethodGet, "/api/streams/"+handle+"?offset=2&wait=2s", aliceKey, nil)
	if status != http.StatusOK {
		t.Fatalf("wait status = %d body = %s", status, body)
	}
	snap = decode[streams.Snapshot](t, body)
	if snap.Stream.Status != models.StreamDone || snap.Stream.Content != "Hello" {
		t.Fatalf("waited snapshot = %+v", snap.Stream)
	}

	status, _ = f.do(t, http.MethodGet, "/api/streams/"+handle, bobKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign stream status = %d, want 404", status)
	}
	status, _ = f.do(t, http.MethodGet, "/api/streams/"+handle+"?wait=soon", aliceKey, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad wait status = %d, want 400", status)
	}
}

func TestStreamSocket(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)
	ctx := context.Background()
	handle, err := f.streams.Create(ctx, thread.ID, thread.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.streams.AppendText(ctx, handle, "hi"); err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/streams/" + handle
	header := http.Header{}
	header.Set("X-API-Key", aliceKey)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev streams.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Chunk == nil || ev.Chunk.Text != "hi" {
		t.Fatalf("first event = %+v", ev)
	}

	if _, err := f.streams.Finish(ctx, handle, models.StreamDone, ""); err != nil {
		t.Fatal(err)
	}
	ev = streams.Event{}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Final == nil || ev.Final.Status != models.StreamDone {
		t.Fatalf("final event = %+v", ev)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestStreamSocketRejectsForeignCaller(t *testing.T) {
	f := newAPIFixture(t)
	thread := f.createThread(t)
	handle, err := f.streams.Create(context.Background(), thread.ID, thread.TenantID)
	if err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/streams/" + handle
	header := http.Header{}
	header.Set("X-API-Key", bobKey)
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v", resp)
	}
}
