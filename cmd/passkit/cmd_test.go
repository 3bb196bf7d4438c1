package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/ingest"
	"github.com/sensiblebit/passkit/internal/testpki"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30d", want: 30 * 24 * time.Hour},
		{in: "720h", want: 720 * time.Hour},
		// WHY: the day suffix takes only whole integers.
		{in: "1.5d", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDuration(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDuration(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewIngestWorker(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		ingest  config.Ingest
		wantErr bool
	}{
		{name: "file source with remote issuer", ingest: config.Ingest{CSVPath: "members.csv", APIURL: "https://wallet.example.com/passes", Concurrency: 2}},
		{name: "url source with remote issuer", ingest: config.Ingest{CSVURL: "https://example.com/sheet.csv", APIURL: "https://wallet.example.com/passes", Concurrency: 2}},
		// WHY: without a sheet there is nothing to poll.
		{name: "no source", ingest: config.Ingest{APIURL: "https://wallet.example.com/passes"}, wantErr: true},
		// WHY: in-process issuing needs the wired service.
		{name: "no issuer", ingest: config.Ingest{CSVPath: "members.csv"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Ingest: tt.ingest}
			w, err := newIngestWorker(cfg, nil, logger)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newIngestWorker: %v", err)
			}
			var _ *ingest.Worker = w
		})
	}
}

func TestNewApp_LogsBrokenSignerAndStaysUp(t *testing.T) {
	// WHY: A configured but unusable signer must show in the startup log at
	// error level instead of waiting for the first issuance, and it must not
	// stop the service from starting. newApp registers on the default
	// Prometheus registry, so this is the only test that calls it.
	files := testpki.Shared(t).WriteSignerFiles(t)
	cfg, err := config.LoadFrom(map[string]string{
		"PASSKIT_PASS_TYPE_IDENTIFIER": testpki.PassTypeID,
		"PASSKIT_PASS_TEAM_IDENTIFIER": testpki.TeamID,
		"PASSKIT_SIGNER_CERT_PATH":     filepath.Join(t.TempDir(), "missing.pem"),
		"PASSKIT_SIGNER_KEY_PATH":      files.Key,
		"PASSKIT_SIGNER_WWDR_PATH":     files.WWDR,
		"PASSKIT_TEMPLATE_DIR":         testpki.TemplateDir(t),
		"PASSKIT_OUTPUT_DIR":           t.TempDir(),
		"PASSKIT_STORE_BACKEND":        config.StoreMemory,
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp with a broken signer: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	logged := buf.String()
	if !strings.Contains(logged, "level=ERROR") || !strings.Contains(logged, "signing identity unavailable") {
		t.Errorf("startup log missing signer error:\n%s", logged)
	}
	if !strings.Contains(logged, "missing.pem") {
		t.Errorf("signer error does not name the unreadable file:\n%s", logged)
	}
	if a.service == nil || a.store == nil {
		t.Fatal("app not fully wired")
	}
	if _, err := a.credentials.Identity(context.Background()); err == nil {
		t.Error("Identity succeeded for a missing certificate")
	}
}
