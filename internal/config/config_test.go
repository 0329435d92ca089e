package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
protocol:
  url: https://tools.example.com/rpc
provider:
  name: anthropic
  model: claude-sonnet-4-20250514
agent:
  max_rounds: 4
  max_tool_calls_per_round: 3
rate_limit:
  limit: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Protocol.URL != "https://tools.example.com/rpc" {
		t.Errorf("protocol url = %q", cfg.Protocol.URL)
	}
	if cfg.Agent.MaxRounds != 4 || cfg.Agent.MaxToolCallsPerRound != 3 {
		t.Errorf("agent budgets = %+v", cfg.Agent)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.Backend != "memory" {
		t.Errorf("session backend = %q, want default memory", cfg.Session.Backend)
	}
	if cfg.RateLimit.Limit != 10 {
		t.Errorf("rate limit = %d", cfg.RateLimit.Limit)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TOOL_URL", "https://env.example.com/rpc")
	t.Setenv("TEST_API_KEY", "sk-from-env")

	path := writeConfig(t, `
protocol:
  url: ${TEST_TOOL_URL}
provider:
  name: openai
  api_key: ${TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol.URL != "https://env.example.com/rpc" {
		t.Errorf("url = %q", cfg.Protocol.URL)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing protocol url",
			content: "server:\n  addr: \":8080\"\n",
			want:    "protocol.url",
		},
		{
			name: "unknown provider",
			content: `
protocol:
  url: https://t.example.com
provider:
  name: acme
`,
			want: "unknown provider",
		},
		{
			name: "postgres without dsn",
			content: `
protocol:
  url: https://t.example.com
session:
  backend: postgres
`,
			want: "session.dsn",
		},
		{
			name: "zero round budget",
			content: `
protocol:
  url: https://t.example.com
agent:
  max_rounds: -1
`,
			want: "max_rounds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
