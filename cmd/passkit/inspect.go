package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/passkit/internal"
)

var (
	inspectFormat         string
	inspectPassphrases    []string
	inspectPassphraseFile string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Display pass, certificate or key information",
	Long: `Show the contents of a .pkpass archive, or the certificates and keys in a
PEM, DER, PKCS#7, PKCS#12 or JKS file. Encrypted keys and containers are
tried with the configured signer passphrases, then --passphrases, then
--passphrase-file, then the empty string and "changeit".`,
	Example: `  passkit inspect KOS-1234.pkpass
  passkit inspect pass.p12 --passphrases secret
  passkit inspect signer.pem --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format: text or json")
	inspectCmd.Flags().StringSliceVarP(&inspectPassphrases, "passphrases", "p", nil, "Comma-separated passphrases to try")
	inspectCmd.Flags().StringVar(&inspectPassphraseFile, "passphrase-file", "", "File with one passphrase per line")
	registerChoices(inspectCmd, "format", "text", "json")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	passphrases, err := internal.SignerPassphrases(cfg.Signer, inspectPassphrases, inspectPassphraseFile)
	if err != nil {
		return fmt.Errorf("loading passphrases: %w", err)
	}

	results, err := internal.InspectFile(args[0], passphrases)
	if err != nil {
		return err
	}

	output, err := internal.FormatInspectResults(results, inspectFormat)
	if err != nil {
		return err
	}

	fmt.Print(output)
	return nil
}

