package integrations

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestWebhookPost_Run(t *testing.T) {
	var body []byte
	var signature, custom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		custom = r.Header.Get("X-Source")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	op := NewWebhookPost(WebhookConfig{Secret: "s3cret"})
	result, err := op.Run(context.Background(), map[string]any{
		"url":     server.URL + "/hook",
		"body":    map[string]any{"event": "deploy"},
		"headers": map[string]any{"X-Source": "threadgate"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(body) != `{"event":"deploy"}` {
		t.Errorf("body = %s", body)
	}
	if signature != Sign("s3cret", body) {
		t.Errorf("signature = %q", signature)
	}
	if custom != "threadgate" {
		t.Errorf("X-Source = %q", custom)
	}

	var out map[string]int
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != http.StatusAccepted {
		t.Errorf("status = %d", out["status"])
	}
}

func TestWebhookPost_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	op := NewWebhookPost(WebhookConfig{})
	if _, err := op.Run(context.Background(), map[string]any{"url": server.URL}); err == nil {
		t.Fatal("Run() succeeded on 502")
	}
}

func TestWebhookPost_Validate(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	u, _ := url.Parse(server.URL)

	op := NewWebhookPost(WebhookConfig{AllowedHosts: []string{"hooks.example.com", u.Hostname()}})
	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"allowed host", map[string]any{"url": "https://hooks.example.com/x"}, false},
		{"test server", map[string]any{"url": server.URL}, false},
		{"disallowed host", map[string]any{"url": "https://evil.example.net/x"}, true},
		{"relative url", map[string]any{"url": "/x"}, true},
		{"bad scheme", map[string]any{"url": "ftp://hooks.example.com/x"}, true},
		{"missing url", map[string]any{}, true},
		{"bad headers", map[string]any{"url": "https://hooks.example.com", "headers": map[string]any{"X": 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := op.Validate(tt.params); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
