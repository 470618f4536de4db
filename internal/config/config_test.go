package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Namespace != "guilthub" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoadOptionalMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg == nil || cfg.Oracle.Model == "" {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "guilthub.yml"), []byte("namespace: g\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected validation error for missing oracle.model")
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`namespace: custom
oracle:
  model: claude-haiku-4-5
  chat_model: claude-sonnet-4-5
  api_key: sk-test
server:
  addr: 0.0.0.0:9000
  base_path: /v0
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Namespace != "custom" || cfg.Server.Addr != "0.0.0.0:9000" || cfg.Oracle.APIKey != "sk-test" {
		t.Fatalf("parsed: %+v", cfg)
	}
}
