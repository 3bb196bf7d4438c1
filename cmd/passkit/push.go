package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var pushJSON bool

var pushCmd = &cobra.Command{
	Use:   "push [serial...]",
	Short: "Notify registered devices that passes changed",
	Long: `Send an APNs pass update notification to every device registered for
the given serial numbers, or for every registered pass when none are given.
Each push succeeds or fails independently.`,
	Example: `  passkit push KOS-1234 KOS-5678
  passkit push --json`,
	RunE: runPush,
}

func init() {
	pushCmd.Flags().BoolVar(&pushJSON, "json", false, "Print the report as JSON")
}

type pushEntry struct {
	Serial string `json:"serial"`
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.service.PushUpdates(cmd.Context(), args)
	if err != nil {
		return err
	}

	entries := make([]pushEntry, 0, len(report.Results))
	for _, r := range report.Results {
		e := pushEntry{Serial: r.Serial, OK: r.OK(), Status: r.Status}
		if !r.OK() {
			e.Error = r.Message()
		}
		entries = append(entries, e)
	}

	if pushJSON {
		data, err := json.MarshalIndent(map[string]any{
			"pushed":    report.Pushed,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"results":   entries,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(data))
	} else {
		for _, e := range entries {
			status := "OK"
			if !e.OK {
				status = "FAILED  " + e.Error
			}
			fmt.Printf("  %-24s %s\n", e.Serial, status)
		}
		fmt.Printf("\nPushed: %d  Succeeded: %d  Failed: %d\n", report.Pushed, report.Succeeded, report.Failed)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d push(es) failed", report.Failed)
	}
	return nil
}
