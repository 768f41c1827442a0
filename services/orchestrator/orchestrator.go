// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the compliance curation HTTP service.
//
// The Service type wires the curation stack built by Build behind a thin
// Gin surface: health, metrics, curation and audit trail reads.
//
// # Integration
//
// Authentication and authorization are injected via
// extensions.ServiceOptions. When none are supplied and CURATOR_API_KEYS is
// set, static bearer keys with role rules are used; otherwise the service
// runs open for local use.
//
// # Usage
//
//	cfg := orchestrator.ConfigFromEnv()
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/extensions"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/middleware"
	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/orchestrator/routes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the lifecycle of the curation server.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run is called
type Service interface {
	// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully
	// within Config.ShutdownTimeout and releases resources.
	Run() error

	// Router returns the configured Gin engine, primarily for tests.
	Router() *gin.Engine

	// Components returns the curation stack behind the routes.
	Components() *Components

	// Close releases the audit sink, flags watcher and telemetry
	// providers. Run calls it on exit; calling it again is a no-op.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	opts          extensions.ServiceOptions
	components    *Components
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New creates the curation service.
//
// # Description
//
//  1. Applies defaults and validates cfg
//  2. Resolves auth providers from opts or CURATOR_API_KEYS
//  3. Initializes OpenTelemetry tracing
//  4. Builds the curation stack (see Build)
//  5. Registers routes with otelgin, rate limiting and audit middleware
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run service
//   - error: Non-nil if any component fails to initialize
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolved, err := resolveOptions(cfg, opts)
	if err != nil {
		return nil, err
	}

	s := &service{config: cfg, opts: resolved}

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s.tracerCleanup, err = InitTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s.components, err = Build(cfg)
	if err != nil {
		s.tracerCleanup(context.Background())
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// Run starts the HTTP server and blocks until a shutdown signal or a
// server error.
func (s *service) Run() error {
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting curation server",
			"port", s.config.Port,
			"pipeline", s.components.Curator.Pipeline(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down curation server", "timeout", s.config.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Components() *Components {
	return s.components
}

func (s *service) Close() error {
	err := s.components.Close()
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return err
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initRouter() {
	c := s.components

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(s.config.ServiceName))

	routes.SetupRoutes(s.router, routes.Dependencies{
		Curator:      c.Curator,
		Gateway:      c.Gateway,
		Trails:       c.Trails,
		Recorder:     c.Metrics,
		Gatherer:     c.Registry,
		Limiter:      middleware.NewLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst),
		KillSwitch:   c.KillSwitch,
		AuditOptions: c.AuditOptions,
		Options:      s.opts,
	})
}

// resolveOptions picks the auth providers. Explicit providers in opts win;
// a missing authenticator falls back to CURATOR_API_KEYS when set.
func resolveOptions(cfg Config, opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	var resolved extensions.ServiceOptions
	if opts != nil {
		resolved = *opts
	}

	if resolved.AuthProvider == nil && cfg.APIKeys != "" {
		keys, err := extensions.ParseAPIKeys(cfg.APIKeys)
		if err != nil {
			return resolved, fmt.Errorf("invalid CURATOR_API_KEYS: %w", err)
		}
		resolved.AuthProvider = extensions.NewStaticTokenProvider(keys)
		if resolved.AuthzProvider == nil {
			resolved.AuthzProvider = extensions.NewRoleAuthzProvider(extensions.DefaultRoleRules())
		}
		slog.Info("API key authentication enabled", "keys", len(keys))
	} else if resolved.AuthProvider == nil {
		slog.Warn("No authentication configured; curation endpoints are open")
	}
	return resolved.Normalize(), nil
}
