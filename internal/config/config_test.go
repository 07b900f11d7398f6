package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Warehouse.Path == "" || cfg.Source.Dir == "" || cfg.Staging.Dir == "" {
		t.Errorf("default paths incomplete: %+v", cfg)
	}
	if cfg.Pipeline.BatchSize <= 0 || cfg.Pipeline.ExtractWorkers <= 0 {
		t.Errorf("default pipeline settings invalid: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.MaxParseErrorRatio <= 0 || cfg.Pipeline.MaxParseErrorRatio >= 1 {
		t.Errorf("parse error ratio %f outside (0,1)", cfg.Pipeline.MaxParseErrorRatio)
	}
	if cfg.Gateway.BaseURL == "" || cfg.Gateway.EmbedModel == "" {
		t.Errorf("default gateway incomplete: %+v", cfg.Gateway)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
	if cfg.Pipeline.BatchSize != Default().Pipeline.BatchSize {
		t.Errorf("defaults not applied: %+v", cfg.Pipeline)
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
warehouse:
  path: /data/wh.db
pipeline:
  batch_size: 250
  strict: true
enrich:
  keyword_top_n: 9
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Warehouse.Path != "/data/wh.db" {
		t.Errorf("warehouse path %q", cfg.Warehouse.Path)
	}
	if cfg.Pipeline.BatchSize != 250 || !cfg.Pipeline.Strict {
		t.Errorf("pipeline overrides lost: %+v", cfg.Pipeline)
	}
	if cfg.Enrich.KeywordTopN != 9 {
		t.Errorf("enrich override lost: %+v", cfg.Enrich)
	}
	// Untouched settings keep their defaults.
	if cfg.Gateway.BaseURL != Default().Gateway.BaseURL {
		t.Errorf("gateway default lost: %q", cfg.Gateway.BaseURL)
	}
}

func TestLoad_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("warehouse:\n  path: /from/yaml.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENTPIPE_WAREHOUSE", "/from/env.db")
	t.Setenv("ENTPIPE_BATCH_SIZE", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Warehouse.Path != "/from/env.db" {
		t.Errorf("env override lost: %q", cfg.Warehouse.Path)
	}
	if cfg.Pipeline.BatchSize != 42 {
		t.Errorf("numeric env override lost: %d", cfg.Pipeline.BatchSize)
	}
}

func TestLoad_BadEnvNumberIgnored(t *testing.T) {
	t.Setenv("ENTPIPE_BATCH_SIZE", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.BatchSize != Default().Pipeline.BatchSize {
		t.Errorf("garbage env value applied: %d", cfg.Pipeline.BatchSize)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("warehouse: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}
