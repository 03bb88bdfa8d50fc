package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalAgents = `
agents:
  list:
    - id: support
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalAgents)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Storage.Backend != "none" {
		t.Errorf("Storage.Backend = %q, want none", cfg.Storage.Backend)
	}
	if cfg.Dedup.HistoryLimit != 10 {
		t.Errorf("Dedup.HistoryLimit = %d, want 10", cfg.Dedup.HistoryLimit)
	}
	if cfg.Worker.LockDuration != 10*time.Minute {
		t.Errorf("Worker.LockDuration = %v", cfg.Worker.LockDuration)
	}
	if !cfg.Worker.IsEnabled() || !cfg.Automations.IsEnabled() {
		t.Error("worker and automations should be enabled by default")
	}
	if cfg.Logging.Format != "json" || cfg.Tracing.ServiceName != "threadgate" {
		t.Errorf("logging/tracing defaults = %q / %q", cfg.Logging.Format, cfg.Tracing.ServiceName)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, minimalAgents+`
server:
  http_prot: 9090
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "http_prot") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "no agents",
			config:  "server:\n  http_port: 9000\n",
			wantErr: "agents.list must declare at least one agent",
		},
		{
			name:    "unknown default agent",
			config:  minimalAgents + "  default: billing\n",
			wantErr: `agents.default "billing" is not declared`,
		},
		{
			name:    "duplicate agents",
			config:  "agents:\n  list:\n    - id: support\n    - id: support\n",
			wantErr: "is duplicated",
		},
		{
			name:    "bad storage backend",
			config:  minimalAgents + "storage:\n  backend: gcs\n",
			wantErr: `storage.backend "gcs"`,
		},
		{
			name:    "s3 without bucket",
			config:  minimalAgents + "storage:\n  backend: s3\n",
			wantErr: "storage.s3.bucket is required",
		},
		{
			name:    "slack without token",
			config:  minimalAgents + "integrations:\n  slack:\n    enabled: true\n",
			wantErr: "integrations.slack.bot_token is required",
		},
		{
			name:    "duplicate tenants",
			config:  minimalAgents + "tenants:\n  - id: acme\n  - id: acme\n",
			wantErr: `tenants[1].id "acme" is duplicated`,
		},
		{
			name:    "sampling rate",
			config:  minimalAgents + "tracing:\n  sampling_rate: 1.5\n",
			wantErr: "tracing.sampling_rate",
		},
		{
			name:    "rate limit without rate",
			config:  minimalAgents + "server:\n  rate_limit:\n    enabled: true\n",
			wantErr: "server.rate_limit.requests_per_second",
		},
		{
			name:    "newer version",
			config:  minimalAgents + "version: 2\n",
			wantErr: "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAggregatesProblems(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  backend: gcs\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "invalid config: ") || strings.Count(msg, ";") != 1 {
		t.Fatalf("error = %q, want two aggregated problems", msg)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
server:
  http_port: 7000
  host: 127.0.0.1
tenants:
  - id: acme
    members: ["*"]
agents:
  list:
    - id: support
      model: gpt-4o-mini
`)
	root := writeFile(t, filepath.Join(dir, "threadgate.yaml"), `
$include: base.yaml
server:
  http_port: 7100
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7100 {
		t.Errorf("HTTPPort = %d, want including file to win", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want merged value from include", cfg.Server.Host)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].ID != "acme" {
		t.Errorf("Tenants = %+v", cfg.Tenants)
	}
}

func TestLoadRawDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := LoadRaw(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "threadgate.json5"), `{
  // comments and trailing commas are allowed
  agents: {
    default: "support",
    list: [{id: "support", max_steps: 4,}],
  },
  logging: {format: "text"},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.Default != "support" || cfg.Agents.List[0].MaxSteps != 4 {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("THREADGATE_TEST_SECRET", "s3cret")
	path := writeConfig(t, minimalAgents+`
auth:
  jwt_secret: ${THREADGATE_TEST_SECRET}
database:
  url: ${THREADGATE_TEST_UNSET:-postgres://localhost/threadgate}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.URL != "postgres://localhost/threadgate" {
		t.Errorf("Database.URL = %q, want fallback", cfg.Database.URL)
	}
}

func TestAgentsConfigModels(t *testing.T) {
	off := false
	agents := AgentsConfig{List: []AgentConfig{
		{ID: "support", Model: "gpt-4o", TeamScopeIDs: []string{"team-a"}},
		{ID: "batch", Streaming: &off, MaxSteps: 2},
	}}

	got := agents.Models()
	if len(got) != 2 {
		t.Fatalf("Models() len = %d", len(got))
	}
	if !got[0].Streaming {
		t.Error("streaming should default to true")
	}
	if got[1].Streaming {
		t.Error("explicit streaming=false should be kept")
	}
	if got[1].MaxSteps != 2 || got[0].TeamScopeIDs[0] != "team-a" {
		t.Errorf("Models() = %+v", got)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), "threadgate.yaml"), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
