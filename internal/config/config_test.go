package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// testStore isolates a store from the process environment and any .env file
// in the working directory.
func testStore(path string, env map[string]string) *Store {
	s := NewStore(path)
	s.dotenvPath = ""
	s.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return s
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := testStore(path, nil).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Provider.Kind != "vllm" {
		t.Errorf("Provider.Kind = %q, want vllm", cfg.Provider.Kind)
	}
	if cfg.Chat.Temperature != 0.7 {
		t.Errorf("Chat.Temperature = %v, want 0.7", cfg.Chat.Temperature)
	}
	if cfg.Chat.MaxTokens != 0 || cfg.Chat.ShowThinking {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.OCR.RequestsPerSecond != 0 || cfg.OCR.Prompt != "" {
		t.Errorf("OCR = %+v", cfg.OCR)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	ep := cfg.Endpoint()
	if ep.BaseURL != "http://localhost:8000/v1" || ep.Name != "vLLM" {
		t.Errorf("Endpoint() = %+v, want vLLM default", ep)
	}
}

// TestTOMLParsing verifies that all fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
port = 5000

[provider]
kind = "ollama"
base_url = "http://gpu-box:11434/v1"
name = "Basement"

[chat]
model = "llama3.1"
temperature = 0.2
max_tokens = 2048
show_thinking = true

[ocr]
model = "qwen2.5-vl"
prompt = "Return CSV"
requests_per_second = 1.5

[log]
level = "debug"
format = "json"
`
	path := writeTempConfig(t, content)

	cfg, err := testStore(path, nil).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	ep := cfg.Endpoint()
	if ep.Kind != "ollama" || ep.BaseURL != "http://gpu-box:11434/v1" || ep.Name != "Basement" {
		t.Errorf("Endpoint() = %+v", ep)
	}
	if cfg.Chat.Model != "llama3.1" || cfg.Chat.Temperature != 0.2 || cfg.Chat.MaxTokens != 2048 || !cfg.Chat.ShowThinking {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.OCR.Model != "qwen2.5-vl" || cfg.OCR.Prompt != "Return CSV" || cfg.OCR.RequestsPerSecond != 1.5 {
		t.Errorf("OCR = %+v", cfg.OCR)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
[chat]
model = "file-model"
`)
	env := map[string]string{
		"LMDESK_CHAT_MODEL":         "env-model",
		"LMDESK_SERVER_PORT":        "not-a-number",
		"LMDESK_CHAT_SHOW_THINKING": "1",
	}

	cfg, err := testStore(path, env).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.Model != "env-model" {
		t.Errorf("Chat.Model = %q, want env-model", cfg.Chat.Model)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default after bad env value", cfg.Server.Port)
	}
	if !cfg.Chat.ShowThinking {
		t.Error("Chat.ShowThinking = false, want true from env")
	}
}

// TestDotenvFallback verifies .env values apply only when the variable is unset.
func TestDotenvFallback(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	os.WriteFile(dotenv, []byte("LMDESK_OCR_MODEL=from-dotenv\nLMDESK_CHAT_MODEL=from-dotenv\n"), 0o600)

	s := testStore(filepath.Join(dir, "config.toml"), map[string]string{"LMDESK_CHAT_MODEL": "from-env"})
	s.dotenvPath = dotenv

	cfg, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OCR.Model != "from-dotenv" {
		t.Errorf("OCR.Model = %q, want from-dotenv", cfg.OCR.Model)
	}
	if cfg.Chat.Model != "from-env" {
		t.Errorf("Chat.Model = %q, want the real environment to win", cfg.Chat.Model)
	}
}

func TestInvalidProviderKind(t *testing.T) {
	path := writeTempConfig(t, "[provider]\nkind = \"openai\"\n")
	if _, err := testStore(path, nil).Load(); err == nil || !strings.Contains(err.Error(), "provider.kind") {
		t.Errorf("err = %v, want provider.kind error", err)
	}
}

func TestSetUnsetReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	s := testStore(path, nil)

	for key, val := range map[string]string{
		"chat.model":              "mistral",
		"chat.temperature":        "0.3",
		"chat.show_thinking":      "true",
		"server.port":             "4200",
		"provider.kind":           "LMStudio",
		"ocr.requests_per_second": "2",
	} {
		if err := s.Set(key, val); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}

	cfg, err := testStore(path, nil).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.Model != "mistral" || cfg.Chat.Temperature != 0.3 || !cfg.Chat.ShowThinking {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Server.Port != 4200 || cfg.OCR.RequestsPerSecond != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Provider.Kind != "lmstudio" || cfg.Endpoint().BaseURL != "http://localhost:1234/v1" {
		t.Errorf("Provider = %+v", cfg.Provider)
	}

	if err := s.Unset("chat.model"); err != nil {
		t.Fatal(err)
	}
	cfg, _ = testStore(path, nil).Load()
	if cfg.Chat.Model != "" {
		t.Errorf("Chat.Model after Unset = %q", cfg.Chat.Model)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	cfg, _ = testStore(path, nil).Load()
	if cfg.Server.Port != 4100 || cfg.Provider.Kind != "vllm" {
		t.Errorf("cfg after Reset = %+v", cfg)
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	s := testStore(filepath.Join(t.TempDir(), "config.toml"), nil)

	tests := []struct{ key, val string }{
		{"nope.key", "x"},
		{"server.port", "eighty"},
		{"chat.temperature", "warm"},
		{"chat.show_thinking", "maybe"},
		{"provider.kind", "openai"},
	}
	for _, tt := range tests {
		if err := s.Set(tt.key, tt.val); err == nil {
			t.Errorf("Set(%s, %s) = nil, want error", tt.key, tt.val)
		}
	}
	if err := s.Unset("nope.key"); err == nil {
		t.Error("Unset(nope.key) = nil, want error")
	}
}

func TestShowAllCoversValidKeys(t *testing.T) {
	infos := ShowAll(defaults())
	keys := ValidKeys()
	if len(infos) != len(keys) {
		t.Fatalf("ShowAll returned %d keys, ValidKeys %d", len(infos), len(keys))
	}
	for i, info := range infos {
		if info.Key != keys[i] {
			t.Errorf("infos[%d].Key = %q, want %q", i, info.Key, keys[i])
		}
		if !strings.HasPrefix(info.EnvVar, "LMDESK_") {
			t.Errorf("%s env = %q", info.Key, info.EnvVar)
		}
	}
	for _, info := range infos {
		if info.Key == "provider.base_url" && info.Value != "http://localhost:8000/v1" {
			t.Errorf("provider.base_url shown as %q, want resolved default", info.Value)
		}
	}
}
