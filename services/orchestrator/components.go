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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/platform"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/curation"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/gateway"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/knowledge"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/llm"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/observability"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/retention"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/policy_engine"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/retrieval"
)

// schemaTimeout bounds the Weaviate schema check at startup.
const schemaTimeout = 10 * time.Second

// Components is the wired curation stack without the HTTP surface.
//
// # Description
//
// Build assembles, in order: metrics registry and meter provider, the
// optional flags watcher, the policy engine, the audit sink with its
// optional retention scheduler, the provider client, the model gateway,
// the document index, the retrieval agent and the curation orchestrator. The HTTP server and the CLI share it.
//
// # Thread Safety
//
// All fields are safe for concurrent use after Build returns. Close must
// be called once when done.
type Components struct {
	Config Config

	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Meter    *sdkmetric.MeterProvider

	Flags        *platform.FlagWatcher
	Policy       *policy_engine.PolicyEngine
	Sink         audit.Sink
	Trails       audit.TrailReader
	AuditOptions []audit.Option
	Retention    *retention.Scheduler

	Gateway   *gateway.Gateway
	Index     knowledge.DocumentIndex
	Retrieval *retrieval.Agent
	Curator   *curation.Orchestrator

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Build wires every collaborator named by cfg.
//
// # Inputs
//
//   - cfg: Configuration. Defaults are applied before validation.
//
// # Outputs
//
//   - *Components: Ready stack. Call Close to release the audit sink and
//     stop the flags watcher.
//   - error: Invalid config, or a collaborator that could not be created.
//     Anything already created is released.
//
// # Limitations
//
//   - A Weaviate schema failure is logged, not returned; searches then
//     fail with ErrKnowledgeBaseUnavailable until Weaviate recovers.
func Build(cfg Config) (c *Components, err error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c = &Components{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	c.Registry = cfg.Registry
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c.Metrics = observability.NewMetrics(c.Registry)
	c.Meter, err = observability.NewMeterProvider(cfg.MetricExporter, cfg.ServiceName, c.Registry)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() error { return c.Meter.Shutdown(context.Background()) })

	if err = c.initFlags(); err != nil {
		return nil, err
	}

	c.Policy, err = policy_engine.NewPolicyEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if err = c.initAudit(); err != nil {
		return nil, err
	}

	chat := cfg.ChatClient
	if chat == nil {
		chat, err = llm.NewClientFromBackend(cfg.LLMBackend)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		slog.Info("LLM backend ready", "backend", cfg.LLMBackend)
	}

	gwOpts := []gateway.Option{gateway.WithMetrics(c.Metrics)}
	if c.Flags != nil {
		gwOpts = append(gwOpts, gateway.WithKillSwitch(c.Flags.KillSwitch))
	}
	c.Gateway, err = gateway.NewClient(cfg.Gateway, chat, gwOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model gateway: %w", err)
	}

	c.Index = cfg.Index
	if c.Index == nil {
		c.Index, err = newDocumentIndex(cfg)
		if err != nil {
			return nil, err
		}
	}

	c.Retrieval = retrieval.NewAgent(c.Gateway, c.Index, cfg.Retrieval)
	c.Curator = curation.New(c.Gateway, c.Retrieval,
		curation.WithLegacyPipeline(cfg.LegacyPipeline),
		curation.WithMetrics(c.Metrics),
		curation.WithAuditOptions(c.AuditOptions...),
	)
	slog.Info("Curation stack ready", "pipeline", c.Curator.Pipeline())
	return c, nil
}

// KillSwitch reports the master switch from config or the flags file.
func (c *Components) KillSwitch() bool {
	return c.Gateway != nil && c.Gateway.KillSwitchActive()
}

// Close stops the flags watcher, closes the audit sink and shuts down the
// meter provider. Safe to call more than once.
func (c *Components) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Components) initFlags() error {
	if c.Config.FlagsFile == "" {
		return nil
	}
	w, err := platform.NewFlagWatcher(c.Config.FlagsFile,
		platform.WithOnChange(func(prev, next platform.Flags) {
			slog.Warn("Platform flags changed",
				"kill_switch_was", prev.KillSwitch,
				"kill_switch", next.KillSwitch,
			)
		}))
	if err != nil {
		return fmt.Errorf("failed to load flags file: %w", err)
	}
	if err := w.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to watch flags file: %w", err)
	}
	c.Flags = w
	c.closers = append(c.closers, func() error { w.Stop(); return nil })
	slog.Info("Watching platform flags", "path", c.Config.FlagsFile, "kill_switch", w.KillSwitch())
	return nil
}

func (c *Components) initAudit() error {
	inner := c.Config.AuditSink
	if inner == nil {
		sink, err := audit.NewSink(c.Config.Audit)
		if err != nil {
			return fmt.Errorf("failed to initialize audit sink: %w", err)
		}
		inner = sink
		c.closers = append(c.closers, sink.Close)
		slog.Info("Audit sink ready", "type", c.Config.Audit.SinkType)
	}

	metered, err := observability.NewMeteredSink(inner, c.Meter.Meter("curator.audit"))
	if err != nil {
		return err
	}
	c.Sink = metered
	c.Trails = metered.Trails()

	if maxAge := c.Config.Audit.Retention; maxAge > 0 {
		pruner := metered.Pruner()
		if pruner == nil {
			slog.Warn("AUDIT_RETENTION ignored; sink cannot prune", "type", c.Config.Audit.SinkType)
		} else {
			sched, err := retention.New(pruner, retention.Config{
				MaxAge:   maxAge,
				Interval: c.Config.Audit.RetentionInterval,
			})
			if err != nil {
				return err
			}
			if err := sched.Start(context.Background()); err != nil {
				return err
			}
			c.Retention = sched
			c.closers = append(c.closers, func() error { sched.Stop(); return nil })
		}
	}
	c.AuditOptions = []audit.Option{
		audit.WithSink(metered),
		audit.WithPrivacy(c.Config.Audit.Privacy()),
		audit.WithRedactor(c.Policy.Redact),
	}
	return nil
}

// newDocumentIndex connects to Weaviate, or returns an empty in-memory
// index when no URL is configured.
func newDocumentIndex(cfg Config) (knowledge.DocumentIndex, error) {
	weaviateURL := strings.Trim(cfg.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Warn("WEAVIATE_SERVICE_URL not set; every question will lack evidence")
		return knowledge.NewStaticIndex(), nil
	}
	if cfg.EmbeddingURL == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL is required with Weaviate")
	}

	client, err := knowledge.NewWeaviateClient(weaviateURL)
	if err != nil {
		return nil, err
	}
	index := knowledge.NewWeaviateIndex(client, knowledge.NewHTTPEmbedder(cfg.EmbeddingURL), cfg.WeaviateClass)

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := index.EnsureSchema(ctx); err != nil {
		slog.Warn("Weaviate schema check failed; searches will fail until it is reachable",
			"url", weaviateURL, "error", err)
	} else {
		slog.Info("Weaviate index ready", "url", weaviateURL, "class", cfg.WeaviateClass)
	}
	return index, nil
}
