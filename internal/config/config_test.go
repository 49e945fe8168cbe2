package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "data" || cfg.Session.MaxHistory != 50 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Agent.MaxIterations != 100 || !cfg.Agent.EnableCompiler {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
}

func TestLoadAppliesDefaultsToPartialConfig(t *testing.T) {
	path := writeFile(t, "pocketmind.yaml", `
data_dir: /var/lib/pm
session:
  max_history: 10
channels:
  telegram:
    enabled: true
    token: tg-token
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/pm" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Session.MaxHistory != 10 {
		t.Errorf("MaxHistory = %d", cfg.Session.MaxHistory)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.ResolvedToken() != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if got := cfg.MemoryDBPath(); got != "/var/lib/pm/memory.db" {
		t.Errorf("MemoryDBPath = %q", got)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("PM_TEST_DATA", "/tmp/pm-env")
	path := writeFile(t, "pocketmind.yaml", "data_dir: ${PM_TEST_DATA}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/pm-env" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestTokenEnvOverridesLiteral(t *testing.T) {
	t.Setenv("PM_TG_TOKEN", "from-env")
	c := TelegramConfig{Token: "literal", TokenEnv: "PM_TG_TOKEN"}
	if got := c.ResolvedToken(); got != "from-env" {
		t.Errorf("ResolvedToken = %q", got)
	}
	c.TokenEnv = "PM_TG_TOKEN_UNSET"
	if got := c.ResolvedToken(); got != "literal" {
		t.Errorf("fallback = %q", got)
	}
}

func TestParseEndpointsSortsAndDefaults(t *testing.T) {
	file, err := ParseEndpoints([]byte(`{
		"endpoints": [
			{"name": "slow", "api_type": "openai", "base_url": "http://b", "model": "m2", "priority": 5},
			{"name": "fast", "api_type": "anthropic", "base_url": "http://a", "model": "m1", "priority": 1}
		]
	}`))
	if err != nil {
		t.Fatalf("ParseEndpoints: %v", err)
	}
	if file.Endpoints[0].Name != "fast" {
		t.Errorf("priority order: %q first", file.Endpoints[0].Name)
	}
	e := file.Endpoints[0]
	if !e.HasCapability(CapText) {
		t.Error("missing default text capability")
	}
	if e.Timeout != 180 {
		t.Errorf("Timeout = %d", e.Timeout)
	}
	if file.Settings.RetryCount != 2 || !file.Settings.FallbackOnError {
		t.Errorf("settings = %+v", file.Settings)
	}
}

func TestParseEndpointsRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{"empty", `{"endpoints": []}`, "no endpoints"},
		{"dup name", `{"endpoints": [
			{"name": "a", "api_type": "openai", "base_url": "http://x", "model": "m"},
			{"name": "a", "api_type": "openai", "base_url": "http://y", "model": "m"}
		]}`, "duplicate name"},
		{"bad api type", `{"endpoints": [
			{"name": "a", "api_type": "grpc", "base_url": "http://x", "model": "m"}
		]}`, "unknown api_type"},
		{"missing model", `{"endpoints": [
			{"name": "a", "api_type": "openai", "base_url": "http://x"}
		]}`, "model is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEndpoints([]byte(tc.json))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestResolveAPIKeyPrefersEnv(t *testing.T) {
	t.Setenv("PM_TEST_KEY", "sk-env")
	e := EndpointConfig{APIKey: "sk-literal", APIKeyEnv: "PM_TEST_KEY"}
	if got := e.ResolveAPIKey(); got != "sk-env" {
		t.Errorf("ResolveAPIKey = %q", got)
	}
}

func TestIsLocal(t *testing.T) {
	if !(&EndpointConfig{BaseURL: "http://localhost:11434/v1"}).IsLocal() {
		t.Error("localhost not detected")
	}
	if (&EndpointConfig{BaseURL: "https://api.example.com"}).IsLocal() {
		t.Error("remote flagged as local")
	}
}
