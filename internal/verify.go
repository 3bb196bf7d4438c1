package internal

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal/pass"
)

// VerifyInput holds a pass archive and the verification options.
type VerifyInput struct {
	Archive []byte
	// TrustStore selects the chain anchors: system, mozilla or custom. Chain
	// verification is skipped when empty.
	TrustStore     string
	CustomRoots    []*x509.Certificate
	FetchAIA       bool
	ExpiryDuration time.Duration
}

// ChainCert holds display information for one certificate in the chain.
type ChainCert struct {
	Subject string `json:"subject"`
	Expiry  string `json:"expiry"`
	IsRoot  bool   `json:"is_root,omitempty"`
}

// VerifyResult holds the results of pass verification checks.
type VerifyResult struct {
	SerialNumber   string      `json:"serial_number,omitempty"`
	PassTypeID     string      `json:"pass_type_identifier,omitempty"`
	TeamID         string      `json:"team_identifier,omitempty"`
	Signer         string      `json:"signer,omitempty"`
	NotAfter       string      `json:"not_after,omitempty"`
	Files          []string    `json:"files,omitempty"`
	SignatureValid bool        `json:"signature_valid"`
	SignatureErr   string      `json:"signature_error,omitempty"`
	ChainValid     *bool       `json:"chain_valid,omitempty"`
	ChainErr       string      `json:"chain_error,omitempty"`
	Chain          []ChainCert `json:"chain,omitempty"`
	Expiry         *bool       `json:"expires_within,omitempty"`
	ExpiryInfo     string      `json:"expiry_info,omitempty"`
	Warnings       []string    `json:"warnings,omitempty"`
	Errors         []string    `json:"errors,omitempty"`
}

// VerifyPass checks an archive's manifest hashes and signature, and
// optionally the signer chain and expiry. Failed checks are reported in
// Errors; the returned error is reserved for unreadable archives.
func VerifyPass(ctx context.Context, input *VerifyInput) (*VerifyResult, error) {
	files, err := pass.ReadArchive(input.Archive, pass.DefaultArchiveLimits())
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}

	result := &VerifyResult{}
	if raw, ok := files[pass.PassJSONName]; ok {
		if m, err := pass.ParseManifest(raw); err == nil {
			result.SerialNumber = m.SerialNumber
			result.PassTypeID = m.PassTypeIdentifier
			result.TeamID = m.TeamIdentifier
		}
	}

	v, err := pass.Verify(input.Archive, nil)
	if err != nil {
		result.SignatureErr = err.Error()
		result.Errors = append(result.Errors, "signature: "+err.Error())
		return result, nil
	}
	result.SignatureValid = true
	result.Files = v.Files
	result.Signer = v.Signer.Subject.String()
	result.NotAfter = v.Signer.NotAfter.UTC().Format(time.RFC3339)

	if input.TrustStore != "" {
		embedded, _ := passkit.DecodePKCS7(files[pass.SignatureName])
		var intermediates []*x509.Certificate
		for _, c := range embedded {
			if !c.Equal(v.Signer) {
				intermediates = append(intermediates, c)
			}
		}
		opts := passkit.DefaultChainOptions()
		opts.Intermediates = intermediates
		opts.TrustStore = input.TrustStore
		opts.CustomRoots = input.CustomRoots
		opts.FetchAIA = input.FetchAIA

		chain, err := passkit.VerifySignerChain(ctx, v.Signer, opts)
		valid := err == nil
		result.ChainValid = &valid
		if err != nil {
			result.ChainErr = err.Error()
			result.Errors = append(result.Errors, "chain: "+err.Error())
		} else {
			result.Chain = chainDisplay(chain)
			result.Warnings = append(result.Warnings, chain.Warnings...)
		}
	}

	if input.ExpiryDuration > 0 {
		expires := passkit.CertExpiresWithin(v.Signer, input.ExpiryDuration)
		result.Expiry = &expires
		if expires {
			result.ExpiryInfo = fmt.Sprintf("signer expires within %s (not after: %s)", input.ExpiryDuration, result.NotAfter)
			result.Errors = append(result.Errors, result.ExpiryInfo)
		} else {
			result.ExpiryInfo = fmt.Sprintf("signer does not expire within %s", input.ExpiryDuration)
		}
	}

	return result, nil
}

func chainDisplay(chain *passkit.ChainResult) []ChainCert {
	out := []ChainCert{{
		Subject: chain.Signer.Subject.String(),
		Expiry:  chain.Signer.NotAfter.UTC().Format("2006-01-02"),
	}}
	for _, c := range chain.Intermediates {
		out = append(out, ChainCert{Subject: c.Subject.String(), Expiry: c.NotAfter.UTC().Format("2006-01-02")})
	}
	if chain.Root != nil {
		out = append(out, ChainCert{
			Subject: chain.Root.Subject.String(),
			Expiry:  chain.Root.NotAfter.UTC().Format("2006-01-02"),
			IsRoot:  true,
		})
	}
	return out
}

// FormatVerifyResult formats a verify result as human-readable text.
func FormatVerifyResult(r *VerifyResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "       Pass: %s\n", r.SerialNumber)
	fmt.Fprintf(&sb, "  Pass Type: %s (team %s)\n", r.PassTypeID, r.TeamID)

	if r.SignatureValid {
		fmt.Fprintf(&sb, "     Signer: %s\n", r.Signer)
		fmt.Fprintf(&sb, "  Not After: %s%s\n", r.NotAfter, ExpiryNote(r.NotAfter, time.Now()))
		fmt.Fprintf(&sb, "      Files: %s\n", strings.Join(r.Files, ", "))
		sb.WriteString("  Signature: VALID\n")
	} else {
		fmt.Fprintf(&sb, "  Signature: INVALID (%s)\n", r.SignatureErr)
	}

	if r.ChainValid != nil {
		if *r.ChainValid {
			sb.WriteString("      Chain: VALID\n")
		} else {
			fmt.Fprintf(&sb, "      Chain: INVALID (%s)\n", r.ChainErr)
		}
	}

	if len(r.Chain) > 0 {
		sb.WriteString("\nChain:\n")
		for i, c := range r.Chain {
			tag := ""
			if c.IsRoot {
				tag = "  [root]"
			}
			fmt.Fprintf(&sb, "  %d: %s  (expires %s)%s\n", i, c.Subject, c.Expiry, tag)
		}
	}

	if r.Expiry != nil {
		fmt.Fprintf(&sb, "\n  Expiry: %s\n", r.ExpiryInfo)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, "  Warning: %s\n", w)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(&sb, "\nVerification FAILED (%d error(s))\n", len(r.Errors))
	} else {
		sb.WriteString("\nVerification OK\n")
	}
	return sb.String()
}
