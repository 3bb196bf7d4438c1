package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensiblebit/passkit/internal/apns"
	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/issuance"
	"github.com/sensiblebit/passkit/internal/mailer"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/output"
	"github.com/sensiblebit/passkit/internal/pass"
	"github.com/sensiblebit/passkit/internal/registry"
	"github.com/sensiblebit/passkit/internal/template"
)

// app holds the wired service graph shared by serve, build, import and
// push.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	credentials *credentials.Resolver
	store       registry.Store
	output      output.Store
	service     *issuance.Service
}

// newApp validates cfg and builds every collaborator. The signing identity
// is resolved once up front so a broken signer shows in the startup log; a
// failure is not fatal and the resolver retries on the first build or push.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	if !cfg.Signer.HasSignerMaterial() {
		logger.Warn("no signing identity configured; pass builds will fail")
	}

	tmpl, err := template.Load(cfg.Template.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading pass template: %w", err)
	}
	out, err := output.New(ctx, cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("opening output store: %w", err)
	}
	store, err := registry.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	creds := credentials.NewResolver(cfg.Signer, cfg.Pass.TypeIdentifier, cfg.Pass.TeamIdentifier, logger)
	if cfg.Signer.HasSignerMaterial() {
		if _, err := creds.Identity(ctx); err != nil {
			logger.Error("signing identity unavailable", "error", err)
		}
	}
	builder := pass.NewBuilder(cfg.Pass, pass.Deps{
		Credentials: creds,
		Template:    tmpl,
		Output:      out,
		Metrics:     m,
		Logger:      logger,
		ScratchDir:  cfg.Signer.ScratchDir,
	})

	deps := issuance.Deps{
		Builder:  builder,
		Store:    store,
		Notifier: apns.New(creds, cfg.APNs, logger, apns.WithMetrics(m)),
		Metrics:  m,
		Logger:   logger,
	}
	if cfg.EmailEnabled() {
		deps.Mailer = mailer.New(cfg.SMTP, cfg.Pass.OrganizationName, logger)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		credentials: creds,
		store:       store,
		output:      out,
		service:     issuance.New(cfg, deps),
	}, nil
}

// Close releases the registry and any materialized credential files.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.credentials.Close())
}
