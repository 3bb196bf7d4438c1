package passkit

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensiblebit/passkit/internal/testpki"
)

func TestVerifySignerChain_CustomRoot(t *testing.T) {
	// WHY: The signer carries Apple-specific EKUs; verification must accept
	// any EKU and resolve signer -> WWDR -> root.
	t.Parallel()
	pki := testpki.Shared(t)

	result, err := VerifySignerChain(context.Background(), pki.Signer, ChainOptions{
		Intermediates: []*x509.Certificate{pki.WWDR},
		TrustStore:    TrustStoreCustom,
		CustomRoots:   []*x509.Certificate{pki.Root},
		Verify:        true,
	})
	if err != nil {
		t.Fatalf("VerifySignerChain: %v", err)
	}
	if len(result.Intermediates) != 1 || !result.Intermediates[0].Equal(pki.WWDR) {
		t.Errorf("intermediates = %d, want WWDR", len(result.Intermediates))
	}
	if result.Root == nil || !result.Root.Equal(pki.Root) {
		t.Error("root not resolved")
	}
}

func TestVerifySignerChain_MissingWWDR(t *testing.T) {
	// WHY: Without the WWDR intermediate the chain cannot be built and
	// startup must report it instead of issuing passes Wallet will reject.
	t.Parallel()
	pki := testpki.Shared(t)

	_, err := VerifySignerChain(context.Background(), pki.Signer, ChainOptions{
		TrustStore:  TrustStoreCustom,
		CustomRoots: []*x509.Certificate{pki.Root},
		Verify:      true,
	})
	if err == nil {
		t.Fatal("expected chain verification failure")
	}
	if !strings.Contains(err.Error(), "chain verification failed") {
		t.Errorf("error = %v", err)
	}
}

func TestVerifySignerChain_FetchesWWDRViaAIA(t *testing.T) {
	// WHY: Apple signer certificates point at the WWDR certificate through
	// AIA; when the operator did not configure it, fetching must fill the gap.
	t.Parallel()
	base := testpki.Shared(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(base.WWDR.Raw)
	}))
	defer srv.Close()

	pki := testpki.NewWithAIA(t, srv.URL+"/wwdr.cer")

	result, err := VerifySignerChain(context.Background(), pki.Signer, ChainOptions{
		FetchAIA:    true,
		AIATimeout:  2 * time.Second,
		AIAMaxDepth: 2,
		TrustStore:  TrustStoreCustom,
		CustomRoots: []*x509.Certificate{pki.Root},
		Verify:      true,
	})
	if err != nil {
		t.Fatalf("VerifySignerChain: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("AIA fetches = %d, want 1", hits.Load())
	}
	if len(result.Intermediates) != 1 {
		t.Errorf("intermediates = %d, want 1", len(result.Intermediates))
	}
}

func TestVerifySignerChain_NoVerify(t *testing.T) {
	// WHY: With verification off the configured intermediates pass through
	// unchanged so the builder can still embed them.
	t.Parallel()
	pki := testpki.Shared(t)

	result, err := VerifySignerChain(context.Background(), pki.Signer, ChainOptions{
		Intermediates: []*x509.Certificate{pki.WWDR},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Intermediates) != 1 || result.Root != nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRootPool(t *testing.T) {
	// WHY: Every trust store name the config accepts must resolve; unknown
	// names and an empty custom store are configuration errors.
	t.Parallel()
	pki := testpki.Shared(t)

	tests := []struct {
		name    string
		store   string
		custom  []*x509.Certificate
		wantErr string
	}{
		{"mozilla", TrustStoreMozilla, nil, ""},
		{"custom", TrustStoreCustom, []*x509.Certificate{pki.Root}, ""},
		{"custom empty", TrustStoreCustom, nil, "requires at least one root"},
		{"unknown", "bogus", nil, "unknown trust store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool, err := RootPool(tt.store, tt.custom)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if pool == nil {
				t.Fatal("nil pool")
			}
		})
	}
}

func TestCheckExpiryWarnings(t *testing.T) {
	// WHY: Expired or soon-expiring signer certificates must be surfaced at
	// startup; a healthy certificate must produce no noise.
	t.Parallel()
	now := time.Now()
	chain := []*x509.Certificate{
		{NotAfter: now.Add(-time.Hour)},
		{NotAfter: now.Add(10 * 24 * time.Hour)},
		{NotAfter: now.Add(365 * 24 * time.Hour)},
	}
	warnings := checkExpiryWarnings(chain)
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", warnings)
	}
	if !strings.Contains(warnings[0], "has expired") || !strings.Contains(warnings[1], "expires within 30 days") {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}
