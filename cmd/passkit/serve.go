package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sensiblebit/passkit/internal/ingest"
	"github.com/sensiblebit/passkit/internal/webservice"
)

var serveWithIngest bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pass web service",
	Long: `Serve pass issuance, archive downloads, the device web service and the
admin push endpoint until SIGINT or SIGTERM.

With --ingest, the CSV ingest worker runs in the same process and issues
passes through the local service.`,
	Example: `  passkit serve
  passkit serve --addr :9090 --log-level debug
  PASSKIT_INGEST_CSV_URL=https://example.com/sheet.csv passkit serve --ingest`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides PASSKIT_HTTP_ADDR)")
	serveCmd.Flags().String("public-url", "", "Public base URL for download links (overrides PASSKIT_HTTP_PUBLIC_URL)")
	serveCmd.Flags().BoolVar(&serveWithIngest, "ingest", false, "Also run the CSV ingest worker")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	overrideString(cmd.Flags(), "addr", &cfg.HTTP.Addr)
	overrideString(cmd.Flags(), "public-url", &cfg.HTTP.PublicURL)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := webservice.New(cfg, webservice.Deps{
		Service:     a.service,
		Store:       a.store,
		Output:      a.output,
		Credentials: a.credentials,
		Metrics:     a.metrics,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	var worker *ingest.Worker
	if serveWithIngest {
		if worker, err = newIngestWorker(cfg, a.service, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "public_url", cfg.HTTP.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Watch(gctx, cfg.Ingest.PollInterval)
		})
	}
	return g.Wait()
}
