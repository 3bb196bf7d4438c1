package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/passkit/internal/pass"
)

var (
	buildMember pass.Member
	buildOut    string
	buildJSON   bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Issue a single pass",
	Long: `Build, sign and store a pass for one member, record its serial mapping
and deliver it in the configured delivery mode.`,
	Example: `  passkit build --full-name "Ana Anić" --member-id 1234
  passkit build --full-name "Ana Anić" --member-id 1234 --tier gold -o ana.pkpass
  passkit build --full-name "Ana Anić" --member-id 1234 --email ana@example.com --json`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildMember.FullName, "full-name", "", "Member's full name")
	buildCmd.Flags().StringVar(&buildMember.MemberID, "member-id", "", "Member ID encoded in the barcode")
	buildCmd.Flags().StringVar(&buildMember.SerialNumber, "serial", "", "Serial number (default: prefix + member ID)")
	buildCmd.Flags().StringVar(&buildMember.Email, "email", "", "Member email address")
	buildCmd.Flags().StringVar(&buildMember.Tier, "tier", "", "Membership tier")
	buildCmd.Flags().StringVarP(&buildOut, "out", "o", "", "Also write the archive to this path")
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "Print the result as JSON")
}

type buildOutput struct {
	Serial   string `json:"serialNumber"`
	URL      string `json:"url"`
	Location string `json:"location,omitempty"`
	Delivery any    `json:"delivery"`
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.service.Issue(cmd.Context(), buildMember)
	if err != nil {
		return err
	}
	if buildOut != "" {
		if err := os.WriteFile(buildOut, res.Archive.Bytes, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", buildOut, err)
		}
	}

	if buildJSON {
		data, err := json.MarshalIndent(buildOutput{
			Serial:   res.Serial,
			URL:      res.URL,
			Location: res.Archive.Location,
			Delivery: res.Delivery,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Serial:    %s\n", res.Serial)
	fmt.Printf("URL:       %s\n", res.URL)
	if res.Archive.Location != "" {
		fmt.Printf("Stored:    %s\n", res.Archive.Location)
	}
	if buildOut != "" {
		fmt.Printf("Written:   %s\n", buildOut)
	}
	fmt.Printf("Delivery:  %s %s", res.Delivery.Mode, res.Delivery.Status)
	if res.Delivery.Error != "" {
		fmt.Printf(" (%s)", res.Delivery.Error)
	}
	fmt.Println()
	return nil
}
