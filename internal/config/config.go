// Package config loads pipeline configuration: defaults, an optional YAML
// file, then environment variables (with an optional .env overlay).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"entpipe/internal/logging"
)

// Config is the full pipeline configuration.
type Config struct {
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Source    SourceConfig    `yaml:"source"`
	Staging   StagingConfig   `yaml:"staging"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Enrich    EnrichConfig    `yaml:"enrich"`
}

// WarehouseConfig locates the SQLite warehouse.
type WarehouseConfig struct {
	Path string `yaml:"path"`
}

// SourceConfig identifies the raw session source.
type SourceConfig struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// StagingConfig locates files the pipeline writes outside the warehouse
// (the stage 0 discovery manifest).
type StagingConfig struct {
	Dir string `yaml:"dir"`
}

// GatewayConfig configures the embedding/LLM gateway.
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	EmbedModel     string `yaml:"embed_model"`
	GenerateModel  string `yaml:"generate_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelayMS    int    `yaml:"base_delay_ms"`
}

// PipelineConfig holds cross-stage execution settings.
type PipelineConfig struct {
	BatchSize           int     `yaml:"batch_size"`
	StageTimeoutMinutes int     `yaml:"stage_timeout_minutes"`
	MaxParseErrorRatio  float64 `yaml:"max_parse_error_ratio"`
	ExtractWorkers      int     `yaml:"extract_workers"`
	IncludeWarnings     bool    `yaml:"include_warnings"`
	Strict              bool    `yaml:"strict"`
}

// EnrichConfig holds the enrichment stage tunables.
type EnrichConfig struct {
	EmbedMaxChars      int     `yaml:"embed_max_chars"`
	EmbedBatchSize     int     `yaml:"embed_batch_size"`
	SentimentThreshold float64 `yaml:"sentiment_threshold"`
	KeywordTopN        int     `yaml:"keyword_top_n"`
	KeywordMinLength   int     `yaml:"keyword_min_length"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Warehouse: WarehouseConfig{Path: "state/warehouse.db"},
		Source:    SourceConfig{Dir: "sessions", Name: "claude_code"},
		Staging:   StagingConfig{Dir: "state/staging"},
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:11434",
			EmbedModel:     "nomic-embed-text",
			GenerateModel:  "qwen2.5:7b",
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			BaseDelayMS:    500,
		},
		Pipeline: PipelineConfig{
			BatchSize:           1000,
			StageTimeoutMinutes: 60,
			MaxParseErrorRatio:  0.10,
			ExtractWorkers:      4,
		},
		Enrich: EnrichConfig{
			EmbedMaxChars:      8000,
			EmbedBatchSize:     32,
			SentimentThreshold: 0.25,
			KeywordTopN:        5,
			KeywordMinLength:   20,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables. A .env file in the working directory
// is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err == nil {
		logging.Debug("config", "loaded .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			logging.Debug("config", "no config file at %s, using defaults", path)
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENTPIPE_WAREHOUSE"); v != "" {
		c.Warehouse.Path = v
	}
	if v := os.Getenv("ENTPIPE_SOURCE_DIR"); v != "" {
		c.Source.Dir = v
	}
	if v := os.Getenv("ENTPIPE_STAGING_DIR"); v != "" {
		c.Staging.Dir = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("ENTPIPE_EMBED_MODEL"); v != "" {
		c.Gateway.EmbedModel = v
	}
	if v := os.Getenv("ENTPIPE_GENERATE_MODEL"); v != "" {
		c.Gateway.GenerateModel = v
	}
	if v := os.Getenv("ENTPIPE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.BatchSize = n
		}
	}
	if os.Getenv("ENTPIPE_STRICT") == "true" {
		c.Pipeline.Strict = true
	}
}
