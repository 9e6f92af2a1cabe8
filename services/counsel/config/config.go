// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the counsel service configuration.
//
// Defaults are embedded from default_config.yaml. An optional file is
// overlaid on the defaults, then COUNSEL_* environment variables are
// applied, then the result is validated. Secrets are never stored in the
// YAML: the config names the environment variables that hold them and
// LoadSecrets moves their values into memguard enclaves.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/relevance"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed default_config.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize bounds config files read from disk.
const MaxYAMLFileSize = 1 << 20

// SupportedSchemaMajor is the schema_version major this build understands.
const SupportedSchemaMajor = "v1"

// Environment variables applied after the YAML layers.
const (
	EnvConfigPath         = "COUNSEL_CONFIG"
	EnvDeterministicGraph = "COUNSEL_DETERMINISTIC_GRAPH"
	EnvCompletionProvider = "COUNSEL_COMPLETION_PROVIDER"
	EnvCompletionModel    = "COUNSEL_COMPLETION_MODEL"
	EnvCompletionBaseURL  = "COUNSEL_COMPLETION_BASE_URL"
	EnvEmbeddingBaseURL   = "COUNSEL_EMBEDDING_BASE_URL"
	EnvKnowledgeURL       = "COUNSEL_KNOWLEDGE_URL"
	EnvGraphEndpoint      = "COUNSEL_GRAPH_ENDPOINT"
	EnvPort               = "COUNSEL_PORT"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full service configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent reads.
type Config struct {
	SchemaVersion string           `yaml:"schema_version" validate:"required"`
	Server        ServerConfig     `yaml:"server"`
	Completion    CompletionConfig `yaml:"completion"`
	Embedding     EmbeddingConfig  `yaml:"embedding"`
	Knowledge     KnowledgeConfig  `yaml:"knowledge"`
	Graph         GraphConfig      `yaml:"graph"`
	Cases         CasesConfig      `yaml:"cases"`
	Events        EventsConfig     `yaml:"events"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Engine        EngineConfig     `yaml:"engine"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Debug           bool          `yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// CompletionConfig selects and tunes the completion backend.
type CompletionConfig struct {
	// Provider is "openai" (any OpenAI-compatible server) or "ollama".
	Provider  string        `yaml:"provider" validate:"oneof=openai ollama"`
	Model     string        `yaml:"model" validate:"required"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout" validate:"min=0"`
	RPS       float64       `yaml:"rps" validate:"min=0"`
	Burst     int           `yaml:"burst" validate:"min=0"`
}

// EmbeddingConfig points at the OpenAI-compatible embedding server.
type EmbeddingConfig struct {
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	Model         string        `yaml:"model" validate:"required"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	CacheDir      string        `yaml:"cache_dir"`
	CacheInMemory bool          `yaml:"cache_in_memory"`
	CacheTTL      time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

// KnowledgeConfig selects the knowledge-search backend.
type KnowledgeConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=http weaviate"`
	URL            string        `yaml:"url" validate:"omitempty,url"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	WeaviateHost   string        `yaml:"weaviate_host"`
	WeaviateScheme string        `yaml:"weaviate_scheme" validate:"omitempty,oneof=http https"`
	WeaviateClass  string        `yaml:"weaviate_class"`
}

// GraphConfig points at the graph retrieval endpoint. An empty endpoint
// disables node_search, node_get and the deterministic path.
type GraphConfig struct {
	Endpoint        string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout         time.Duration `yaml:"timeout" validate:"min=0"`
	RPS             float64       `yaml:"rps" validate:"min=0"`
	Burst           int           `yaml:"burst" validate:"min=0"`
	NodeSearchQuery string        `yaml:"node_search_query"`
	NodeGetQuery    string        `yaml:"node_get_query"`
}

// CasesConfig names the env var holding the case database DSN. The case
// tools are registered only when that variable is set.
type CasesConfig struct {
	DSNEnv string `yaml:"dsn_env"`
}

// EventsConfig configures the optional InfluxDB event archive.
type EventsConfig struct {
	InfluxURL      string `yaml:"influx_url" validate:"omitempty,url"`
	InfluxOrg      string `yaml:"influx_org"`
	InfluxBucket   string `yaml:"influx_bucket"`
	InfluxTokenEnv string `yaml:"influx_token_env"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// EngineConfig holds the chat engine's tunables. It is the part of the
// configuration that Watcher reloads at runtime.
type EngineConfig struct {
	// DeterministicGraph enables the deterministic graph orchestrator for
	// legally relevant questions.
	DeterministicGraph bool `yaml:"deterministic_graph"`

	MaxToolIterations      int     `yaml:"max_tool_iterations" validate:"min=1,max=50"`
	MaxPlannedQueries      int     `yaml:"max_planned_queries" validate:"min=1,max=10"`
	SemanticTopK           int     `yaml:"semantic_top_k" validate:"min=1,max=50"`
	GroundingChunks        int     `yaml:"grounding_chunks" validate:"min=1,max=20"`
	ForcedTopK             int     `yaml:"forced_top_k" validate:"min=1,max=20"`
	EmptyNodeSearchTrigger int     `yaml:"empty_node_search_trigger" validate:"min=1"`
	MinSemanticScore       float64 `yaml:"min_semantic_score" validate:"min=0,max=1"`

	Relevance relevance.Config `yaml:"relevance"`

	// LegalKeywords drive the legal-query heuristic.
	LegalKeywords []string `yaml:"legal_keywords" validate:"min=1,dive,required"`
}

// Engine returns the config itself, so a static EngineConfig can be used
// wherever a reloading source is accepted.
func (e EngineConfig) Engine() EngineConfig {
	return e
}

// DefaultEngineConfig returns the engine section of the embedded defaults.
func DefaultEngineConfig() EngineConfig {
	cfg, err := parse(defaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg.Engine
}

// =============================================================================
// Loading
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load builds the configuration.
//
// # Description
//
// Layers, in order: embedded defaults, the YAML file at path (skipped when
// path is empty), environment overrides. The result is validated.
//
// # Inputs
//
//   - ctx: For tracing.
//   - path: Optional overlay file.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := otel.Tracer("counsel.config").Start(ctx, "config.Load")
	defer span.End()
	span.SetAttributes(attribute.Bool("config.has_file", path != ""))

	cfg, err := parse(defaultConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("config: embedded defaults: %w", err)
	}

	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the schema version.
func Validate(cfg *Config) error {
	if !semver.IsValid(cfg.SchemaVersion) {
		return fmt.Errorf("config: schema_version %q is not a semantic version", cfg.SchemaVersion)
	}
	if major := semver.Major(cfg.SchemaVersion); major != SupportedSchemaMajor {
		return fmt.Errorf("config: schema_version %s unsupported (want %s.x.y)", cfg.SchemaVersion, SupportedSchemaMajor)
	}
	if err := getValidator().Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	switch {
	case cfg.Knowledge.Backend == "http" && cfg.Knowledge.URL == "":
		return fmt.Errorf("config: knowledge.url is required for the http backend")
	case cfg.Knowledge.Backend == "weaviate" && cfg.Knowledge.WeaviateHost == "":
		return fmt.Errorf("config: knowledge.weaviate_host is required for the weaviate backend")
	case cfg.Telemetry.Exporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "":
		return fmt.Errorf("config: telemetry.otlp_endpoint is required for the otlp exporter")
	}
	return nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("config: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return data, nil
}

// applyEnv overlays COUNSEL_* variables. lookup is os.LookupEnv in
// production and a map in tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDeterministicGraph); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvDeterministicGraph, v, err)
		}
		cfg.Engine.DeterministicGraph = b
	}
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = p
	}

	strs := []struct {
		env string
		dst *string
	}{
		{EnvCompletionProvider, &cfg.Completion.Provider},
		{EnvCompletionModel, &cfg.Completion.Model},
		{EnvCompletionBaseURL, &cfg.Completion.BaseURL},
		{EnvEmbeddingBaseURL, &cfg.Embedding.BaseURL},
		{EnvKnowledgeURL, &cfg.Knowledge.URL},
		{EnvGraphEndpoint, &cfg.Graph.Endpoint},
	}
	for _, s := range strs {
		if v, ok := lookup(s.env); ok && strings.TrimSpace(v) != "" {
			*s.dst = strings.TrimSpace(v)
		}
	}
	return nil
}
