package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/framekey/audit"
)

var (
	auditJSONOutput   bool
	auditSince        string
	auditUntil        string
	auditAction       string
	auditDeviceID     string
	auditLimit        int
	auditOffset       int
	auditFailuresOnly bool
	auditDetails      bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze audit logs for key lifecycle and envelope operations.

Provides audit trail analysis including:
- Event filtering by time, action, success/failure
- Per-device event queries
- Summary statistics and detailed event listings`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Query failed events since a point in time
  framekey audit query --failures-only --since "2026-08-01T00:00:00Z"

  # Query key generation events
  framekey audit query --action device_key_generate

  # Query events for a specific device id
  framekey audit query --device-id 3f9c...`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	Long:  `Show per-action success and failure counts across the audit log.`,
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditQueryCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "Only events after this RFC3339 timestamp")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "Only events before this RFC3339 timestamp")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action name")
	auditQueryCmd.Flags().StringVar(&auditDeviceID, "device-id", "", "Filter by device id")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "Events to skip")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show event metadata")

	auditSummaryCmd.Flags().StringVar(&auditSince, "since", "", "Only events after this RFC3339 timestamp")
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Action:   auditAction,
		DeviceID: auditDeviceID,
		Limit:    auditLimit,
		Offset:   auditOffset,
	}

	if auditSince != "" {
		t, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid --since timestamp: %w", err)
		}
		options.Since = &t
	}
	if auditUntil != "" {
		t, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid --until timestamp: %w", err)
		}
		options.Until = &t
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}

	return options, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSONOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tSUCCESS\tDEVICE ID")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, event.Success, event.DeviceID)
		if auditDetails && len(event.Metadata) > 0 {
			meta, _ := json.Marshal(event.Metadata)
			fmt.Fprintf(w, "\t%s\t\t\n", string(meta))
		}
	}
	w.Flush()

	fmt.Printf("\n%d of %d event(s)", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Printf(" (more available, use --offset)")
	}
	fmt.Println()

	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	type counts struct {
		success int
		failure int
	}
	perAction := make(map[string]*counts)
	for _, event := range result.Events {
		c, ok := perAction[event.Action]
		if !ok {
			c = &counts{}
			perAction[event.Action] = c
		}
		if event.Success {
			c.success++
		} else {
			c.failure++
		}
	}

	if len(perAction) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSUCCESS\tFAILURE")
	for action, c := range perAction {
		fmt.Fprintf(w, "%s\t%d\t%d\n", action, c.success, c.failure)
	}
	w.Flush()

	return nil
}
