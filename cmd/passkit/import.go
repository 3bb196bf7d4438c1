package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/ingest"
	"github.com/sensiblebit/passkit/internal/issuance"
)

var importWatch bool

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Issue passes for pending rows of a member sheet",
	Long: `Read a CSV member sheet from a file or URL and issue a pass for every
row whose status is empty or "pending". Results are posted to the write-back
URL when one is configured.

Passes are issued in-process unless --api-url points at a running
passkit service, in which case rows are sent to its POST /passes endpoint.`,
	Example: `  passkit import --csv members.csv
  passkit import --csv-url https://example.com/sheet.csv --watch --interval 5m
  passkit import --csv members.csv --api-url https://wallet.example.com/passes`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

func init() {
	importCmd.Flags().String("csv", "", "CSV file path (overrides PASSKIT_INGEST_CSV_PATH)")
	importCmd.Flags().String("csv-url", "", "CSV URL (overrides PASSKIT_INGEST_CSV_URL)")
	importCmd.Flags().String("api-url", "", "Remote POST /passes endpoint (overrides PASSKIT_INGEST_API_URL)")
	importCmd.Flags().String("writeback-url", "", "Write-back endpoint (overrides PASSKIT_INGEST_WRITEBACK_URL)")
	importCmd.Flags().Int("concurrency", 0, "Rows processed in parallel (overrides PASSKIT_INGEST_CONCURRENCY)")
	importCmd.Flags().Duration("interval", 0, "Poll interval with --watch (overrides PASSKIT_INGEST_POLL_INTERVAL)")
	importCmd.Flags().BoolVar(&importWatch, "watch", false, "Keep polling the sheet until interrupted")
}

func runImport(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	overrideString(fs, "csv", &cfg.Ingest.CSVPath)
	overrideString(fs, "csv-url", &cfg.Ingest.CSVURL)
	overrideString(fs, "api-url", &cfg.Ingest.APIURL)
	overrideString(fs, "writeback-url", &cfg.Ingest.WritebackURL)
	overrideInt(fs, "concurrency", &cfg.Ingest.Concurrency)
	if fs.Changed("interval") {
		cfg.Ingest.PollInterval, _ = fs.GetDuration("interval")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var service *issuance.Service
	if cfg.Ingest.APIURL == "" {
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		service = a.service
	}

	worker, err := newIngestWorker(cfg, service, logger)
	if err != nil {
		return err
	}
	if importWatch {
		return worker.Watch(ctx, cfg.Ingest.PollInterval)
	}

	summary, err := worker.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Rows: %d  Pending: %d  Issued: %d  Failed: %d  Skipped: %d\n",
		summary.Rows, summary.Pending, summary.Done, summary.Failed, summary.Skipped)
	if summary.Failed > 0 {
		return fmt.Errorf("%d row(s) failed", summary.Failed)
	}
	return nil
}

// newIngestWorker picks the sheet source and issuer from cfg. A nil service
// requires a remote API URL.
func newIngestWorker(cfg *config.Config, service *issuance.Service, logger *slog.Logger) (*ingest.Worker, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	var source ingest.Source
	switch {
	case cfg.Ingest.CSVPath != "":
		source = ingest.FileSource{Path: cfg.Ingest.CSVPath}
	case cfg.Ingest.CSVURL != "":
		source = ingest.URLSource{URL: cfg.Ingest.CSVURL, Client: client}
	default:
		return nil, errors.New("no member sheet configured (use --csv, --csv-url or PASSKIT_INGEST_CSV_*)")
	}

	var issuer ingest.Issuer
	switch {
	case cfg.Ingest.APIURL != "":
		issuer = ingest.APIIssuer{URL: cfg.Ingest.APIURL, AdminToken: cfg.HTTP.AdminToken, Client: client}
	case service != nil:
		issuer = ingest.ServiceIssuer{Service: service}
	default:
		return nil, errors.New("no issuer available")
	}

	return ingest.NewWorker(ingest.Options{
		Source:       source,
		Issuer:       issuer,
		SerialPrefix: cfg.Pass.SerialPrefix,
		Concurrency:  cfg.Ingest.Concurrency,
		WritebackURL: cfg.Ingest.WritebackURL,
		Client:       client,
		Logger:       logger.With("component", "ingest"),
	}), nil
}
