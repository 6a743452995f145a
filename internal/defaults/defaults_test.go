package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/parley/internal/config"
)

func TestConfigYAML_Loads(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("gemini.api_key = %q, want env expansion", cfg.Gemini.APIKey)
	}
	if !cfg.Agents.Conversation.Streaming() || cfg.Agents.Correction.Streaming() {
		t.Error("only the conversation agent should stream")
	}
	if cfg.Retrieval.Limits.Conversations != 3 || cfg.MQTT.Configured() {
		t.Errorf("retrieval %+v, mqtt configured %v", cfg.Retrieval.Limits, cfg.MQTT.Configured())
	}
}
