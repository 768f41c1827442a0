// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/envconfig"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/observability"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

// Trace exporters selectable with OTEL_EXPORTER.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config holds the curation server configuration.
//
// # Description
//
// Zero values are replaced by applyConfigDefaults. ConfigFromSource reads
// every field from environment-style keys:
//
//	CURATOR_PORT                 Port (12310)
//	CURATOR_SERVICE_NAME         ServiceName ("curator")
//	LLM_BACKEND_TYPE             LLMBackend ("ollama")
//	WEAVIATE_SERVICE_URL         WeaviateURL (empty: no document index)
//	WEAVIATE_CLASS               WeaviateClass ("ComplianceChunk")
//	EMBEDDING_SERVICE_URL        EmbeddingURL
//	OTEL_EXPORTER                OTelExporter (otlp|stdout|none, "otlp")
//	OTEL_EXPORTER_OTLP_ENDPOINT  OTelEndpoint ("otel-collector:4317")
//	OTEL_METRICS_EXPORTER        MetricExporter (prometheus|stdout|none, "prometheus")
//	CURATOR_RATE_LIMIT_RPS       RateLimitRPS (0: disabled)
//	CURATOR_RATE_LIMIT_BURST     RateLimitBurst
//	PLATFORM_FLAGS_FILE          FlagsFile (hot-reloaded kill switch)
//	CURATION_LEGACY_PIPELINE     LegacyPipeline (false)
//	CURATOR_API_KEYS             APIKeys (empty: open local mode)
//	GIN_MODE                     GinMode
//	RETRIEVAL_TOP_K, RETRIEVAL_SIMILARITY_THRESHOLD, RETRIEVAL_SEARCH_TIMEOUT
//
// plus the MODEL_* / CIRCUIT_BREAKER_* keys of gateway.Config and the
// AUDIT_* keys of audit.Config.
//
// The injected fields let tests and embedders supply collaborators
// directly; each nil field is built from the settings above.
type Config struct {
	Port            int `validate:"gte=0,lte=65535"`
	ServiceName     string
	LLMBackend      string
	WeaviateURL     string
	WeaviateClass   string
	EmbeddingURL    string
	OTelExporter    string  `validate:"oneof=otlp stdout none"`
	OTelEndpoint    string
	MetricExporter  string  `validate:"oneof=prometheus stdout none"`
	RateLimitRPS    float64 `validate:"gte=0"`
	RateLimitBurst  int     `validate:"gte=0"`
	FlagsFile       string
	LegacyPipeline  bool
	APIKeys         string
	GinMode         string
	ShutdownTimeout time.Duration `validate:"gte=0"`

	Gateway   gateway.Config
	Audit     audit.Config
	Retrieval retrieval.Config

	ChatClient llm.ChatClient          `validate:"-"`
	Index      knowledge.DocumentIndex `validate:"-"`
	AuditSink  audit.Sink              `validate:"-"`
	Registry   *prometheus.Registry    `validate:"-"`
}

// ConfigFromEnv reads the configuration from the process environment and
// the optional CURATOR_CONFIG file.
func ConfigFromEnv() Config {
	return ConfigFromSource(envconfig.Default())
}

// ConfigFromSource reads the configuration from src.
func ConfigFromSource(src *envconfig.Source) Config {
	return Config{
		Port:            src.Int("CURATOR_PORT", defaultPort),
		ServiceName:     src.String("CURATOR_SERVICE_NAME", defaultServiceName),
		LLMBackend:      src.String("LLM_BACKEND_TYPE", llm.BackendOllama),
		WeaviateURL:     src.String("WEAVIATE_SERVICE_URL", ""),
		WeaviateClass:   src.String("WEAVIATE_CLASS", knowledge.DefaultClassName),
		EmbeddingURL:    src.String("EMBEDDING_SERVICE_URL", ""),
		OTelExporter:    src.String("OTEL_EXPORTER", ExporterOTLP),
		OTelEndpoint:    src.String("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTelEndpoint),
		MetricExporter:  src.String("OTEL_METRICS_EXPORTER", observability.MeterPrometheus),
		RateLimitRPS:    src.Float("CURATOR_RATE_LIMIT_RPS", 0),
		RateLimitBurst:  src.Int("CURATOR_RATE_LIMIT_BURST", 0),
		FlagsFile:       src.String("PLATFORM_FLAGS_FILE", ""),
		LegacyPipeline:  src.Bool("CURATION_LEGACY_PIPELINE", false),
		APIKeys:         src.String("CURATOR_API_KEYS", ""),
		GinMode:         src.String("GIN_MODE", ""),
		ShutdownTimeout: src.Duration("CURATOR_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		Gateway:         gateway.ConfigFromSource(src),
		Audit:           audit.ConfigFromSource(src),
		Retrieval: retrieval.Config{
			TopK:                src.Int("RETRIEVAL_TOP_K", retrieval.DefaultTopK),
			SimilarityThreshold: src.Float("RETRIEVAL_SIMILARITY_THRESHOLD", retrieval.DefaultSimilarityThreshold),
			SearchTimeout:       src.Duration("RETRIEVAL_SEARCH_TIMEOUT", 0),
		},
	}
}

const (
	defaultPort            = 12310
	defaultServiceName     = "curator"
	defaultOTelEndpoint    = "otel-collector:4317"
	defaultShutdownTimeout = 10 * time.Second
)

// applyConfigDefaults fills in missing configuration values. A zero
// Gateway or Audit block becomes that package's DefaultConfig, which keeps
// the centralized gateway on and prompt logging off.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = llm.BackendOllama
	}
	if cfg.WeaviateClass == "" {
		cfg.WeaviateClass = knowledge.DefaultClassName
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = ExporterOTLP
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = defaultOTelEndpoint
	}
	if cfg.MetricExporter == "" {
		cfg.MetricExporter = observability.MeterPrometheus
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Gateway == (gateway.Config{}) {
		cfg.Gateway = gateway.DefaultConfig()
	}
	if cfg.Audit == (audit.Config{}) {
		cfg.Audit = audit.DefaultConfig()
	}
	return cfg
}

// Validate checks the configuration, including the gateway and audit
// blocks.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid curator config: %w", err)
	}
	return nil
}
