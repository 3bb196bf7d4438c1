package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/passkit"
	"github.com/sensiblebit/passkit/internal"
)

var (
	verifyChain      bool
	verifyExpiry     string
	verifyTrustStore string
	verifyRootsPath  string
	verifyFetchAIA   bool
	verifyFormat     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file.pkpass>",
	Short: "Verify a pass signature, signer chain or expiry",
	Long: `Check that every file in a pass matches manifest.json and that the
detached signature over the manifest is valid. Optionally verify the signer's
chain of trust and whether the signer expires within a given duration.`,
	Example: `  passkit verify KOS-1234.pkpass
  passkit verify KOS-1234.pkpass --chain --trust-store mozilla
  passkit verify KOS-1234.pkpass --chain --trust-store custom --roots AppleRootCA.pem
  passkit verify KOS-1234.pkpass --expiry 30d --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyChain, "chain", false, "Verify the signer chain of trust")
	verifyCmd.Flags().StringVarP(&verifyExpiry, "expiry", "e", "", "Check if the signer expires within duration (e.g., 30d, 720h)")
	verifyCmd.Flags().StringVar(&verifyTrustStore, "trust-store", passkit.TrustStoreSystem, "Trust store for chain validation: system, mozilla, custom")
	verifyCmd.Flags().StringVar(&verifyRootsPath, "roots", "", "PEM, DER or PKCS#7 roots for --trust-store custom")
	verifyCmd.Flags().BoolVar(&verifyFetchAIA, "fetch-aia", false, "Fetch missing intermediates from AIA URLs")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
	registerChoices(verifyCmd, "trust-store", passkit.TrustStoreSystem, passkit.TrustStoreMozilla, passkit.TrustStoreCustom)
	registerChoices(verifyCmd, "format", "text", "json")
}

// parseDuration extends time.ParseDuration to support a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		trimmed := strings.TrimSuffix(s, "d")
		days, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func runVerify(cmd *cobra.Command, args []string) error {
	internal.SetupLogger(logLevel)

	input := &internal.VerifyInput{FetchAIA: verifyFetchAIA}
	if verifyExpiry != "" {
		d, err := parseDuration(verifyExpiry)
		if err != nil {
			return fmt.Errorf("invalid --expiry value: %w", err)
		}
		input.ExpiryDuration = d
	}
	if verifyChain || verifyRootsPath != "" {
		input.TrustStore = verifyTrustStore
	}
	if verifyRootsPath != "" {
		data, err := os.ReadFile(verifyRootsPath)
		if err != nil {
			return fmt.Errorf("reading roots: %w", err)
		}
		roots, err := passkit.ParseCertificatesAny(data)
		if err != nil {
			return fmt.Errorf("parsing roots %s: %w", verifyRootsPath, err)
		}
		input.CustomRoots = roots
		input.TrustStore = passkit.TrustStoreCustom
	}

	archive, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	input.Archive = archive

	result, err := internal.VerifyPass(cmd.Context(), input)
	if err != nil {
		return err
	}

	switch verifyFormat {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(data))
	case "text":
		fmt.Print(internal.FormatVerifyResult(result))
	default:
		return fmt.Errorf("unsupported output format %q (use text or json)", verifyFormat)
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("verification failed")
	}
	return nil
}
