package passkit

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/breml/rootcerts/embedded"
)

// Trust store names accepted by ChainOptions.TrustStore.
const (
	TrustStoreSystem  = "system"
	TrustStoreMozilla = "mozilla"
	TrustStoreCustom  = "custom"
)

// ChainResult holds the verified signer chain and metadata.
type ChainResult struct {
	// Signer is the Pass Type ID certificate.
	Signer *x509.Certificate
	// Intermediates are the CA certificates between the signer and root
	// (the WWDR certificate for Apple-issued signers).
	Intermediates []*x509.Certificate
	// Root is the trust anchor, nil when verification was skipped.
	Root *x509.Certificate
	// Warnings are non-fatal issues found during chain resolution.
	Warnings []string
}

// ChainOptions configures signer chain resolution.
type ChainOptions struct {
	// Intermediates are known intermediates, normally the configured WWDR.
	Intermediates []*x509.Certificate
	// FetchAIA enables fetching intermediate certificates via AIA CA Issuers URLs.
	FetchAIA bool
	// AIATimeout is the HTTP timeout for AIA fetches.
	AIATimeout time.Duration
	// AIAMaxDepth is the maximum number of AIA hops to follow.
	AIAMaxDepth int
	// TrustStore selects the root certificate pool: "system", "mozilla", or "custom".
	TrustStore string
	// CustomRoots are root certificates used when TrustStore is "custom".
	CustomRoots []*x509.Certificate
	// Verify enables chain verification against the trust store.
	Verify bool
}

// DefaultChainOptions returns the options used when chain checking is enabled
// without further configuration.
func DefaultChainOptions() ChainOptions {
	return ChainOptions{
		FetchAIA:    true,
		AIATimeout:  2 * time.Second,
		AIAMaxDepth: 3,
		TrustStore:  TrustStoreSystem,
		Verify:      true,
	}
}

// FetchAIACertificates follows AIA CA Issuers URLs to fetch intermediate certificates.
func FetchAIACertificates(ctx context.Context, cert *x509.Certificate, timeout time.Duration, maxDepth int) ([]*x509.Certificate, []string) {
	var fetched []*x509.Certificate
	var warnings []string

	client := &http.Client{Timeout: timeout}
	seen := make(map[string]bool)
	queue := []*x509.Certificate{cert}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		current := queue[0]
		queue = queue[1:]

		for _, aiaURL := range current.IssuingCertificateURL {
			if seen[aiaURL] {
				continue
			}
			seen[aiaURL] = true

			issuer, err := fetchCertFromURL(ctx, client, aiaURL)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("AIA fetch failed for %s: %v", aiaURL, err))
				continue
			}
			fetched = append(fetched, issuer)
			queue = append(queue, issuer)
		}
	}
	return fetched, warnings
}

// fetchCertFromURL fetches a single certificate (DER or PEM) from a URL.
func fetchCertFromURL(ctx context.Context, client *http.Client, certURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, certURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, err
	}

	certs, err := ParseCertificatesAny(body)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// checkExpiryWarnings checks the chain for expired or soon-to-expire certificates.
// Apple signer certificates last a year, so thirty days is the renewal window.
func checkExpiryWarnings(chain []*x509.Certificate) []string {
	var warnings []string
	now := time.Now()
	thirtyDays := 30 * 24 * time.Hour
	for _, cert := range chain {
		if now.After(cert.NotAfter) {
			warnings = append(warnings, fmt.Sprintf("certificate %q has expired (not after: %s)", cert.Subject.CommonName, cert.NotAfter.UTC().Format("2006-01-02")))
		} else if CertExpiresWithin(cert, thirtyDays) {
			warnings = append(warnings, fmt.Sprintf("certificate %q expires within 30 days (not after: %s)", cert.Subject.CommonName, cert.NotAfter.UTC().Format("2006-01-02")))
		}
	}
	return warnings
}

// RootPool builds the root certificate pool for a trust store name.
func RootPool(trustStore string, custom []*x509.Certificate) (*x509.CertPool, error) {
	switch trustStore {
	case TrustStoreSystem:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system cert pool: %w", err)
		}
		return pool, nil
	case TrustStoreMozilla:
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(embedded.MozillaCACertificatesPEM())) {
			return nil, errors.New("parsing embedded Mozilla root certificates")
		}
		return pool, nil
	case TrustStoreCustom:
		if len(custom) == 0 {
			return nil, errors.New("custom trust store requires at least one root certificate")
		}
		pool := x509.NewCertPool()
		for _, cert := range custom {
			pool.AddCert(cert)
		}
		return pool, nil
	default:
		return nil, fmt.Errorf("unknown trust store: %q", trustStore)
	}
}

// VerifySignerChain resolves and optionally verifies the chain from a pass
// signer certificate through the WWDR intermediate to a trust anchor. Pass
// signer certificates carry Apple-specific extended key usages, so any EKU
// is accepted.
func VerifySignerChain(ctx context.Context, signer *x509.Certificate, opts ChainOptions) (*ChainResult, error) {
	if signer == nil {
		return nil, errors.New("signer certificate cannot be nil")
	}
	result := &ChainResult{Signer: signer}

	intermediatePool := x509.NewCertPool()
	var allIntermediates []*x509.Certificate
	for _, cert := range opts.Intermediates {
		intermediatePool.AddCert(cert)
		allIntermediates = append(allIntermediates, cert)
	}

	if opts.FetchAIA && len(signer.IssuingCertificateURL) > 0 {
		aiaCerts, warnings := FetchAIACertificates(ctx, signer, opts.AIATimeout, opts.AIAMaxDepth)
		result.Warnings = append(result.Warnings, warnings...)
		for _, cert := range aiaCerts {
			intermediatePool.AddCert(cert)
			allIntermediates = append(allIntermediates, cert)
		}
	}

	if !opts.Verify {
		result.Intermediates = allIntermediates
		result.Warnings = append(result.Warnings, checkExpiryWarnings(append([]*x509.Certificate{signer}, allIntermediates...))...)
		return result, nil
	}

	rootPool, err := RootPool(opts.TrustStore, opts.CustomRoots)
	if err != nil {
		return nil, err
	}

	chains, err := signer.Verify(x509.VerifyOptions{
		Intermediates: intermediatePool,
		Roots:         rootPool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}

	// Pick shortest valid chain
	best := chains[0]
	for _, chain := range chains[1:] {
		if len(chain) < len(best) {
			best = chain
		}
	}

	// Chain order: [signer, intermediate1, ..., root]
	if len(best) > 2 {
		result.Intermediates = best[1 : len(best)-1]
	}
	if len(best) > 1 {
		result.Root = best[len(best)-1]
	}

	fullChain := append([]*x509.Certificate{signer}, result.Intermediates...)
	if result.Root != nil {
		fullChain = append(fullChain, result.Root)
	}
	result.Warnings = append(result.Warnings, checkExpiryWarnings(fullChain)...)

	return result, nil
}
