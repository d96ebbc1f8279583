package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the device key",
	Long:  `Manage the device key lifecycle including identity display, record listing, rotation, and deletion.`,
}

var keyIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Show the current device id",
	Long:  `Display the device id of the active key, establishing a key first if none exists yet.`,
	RunE:  runKeyID,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored key records",
	Long:  `List all wrapped device key records in storage with their metadata. Records are shown newest first; only one record at most is recoverable under the current fingerprint.`,
	RunE:  runKeyList,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the device key",
	Long: `Delete the current device key and generate a fresh key with a new device id.

Data encrypted under the previous key becomes permanently unrecoverable.`,
	RunE: runKeyRotate,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the current device key",
	Long: `Delete the stored record for the current device key and clear the in-memory cache.

Data encrypted under the deleted key becomes permanently unrecoverable. A new
key is generated automatically on the next encryption.`,
	RunE: runKeyDelete,
}

var keyShowCmd = &cobra.Command{
	Use:   "show <device-id>",
	Short: "Show a stored key record",
	Long:  `Display the stored record for a specific device id. The wrapped key is shown as stored; no unwrap is attempted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyShow,
}

var (
	jsonOutput  bool
	forceDelete bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyIDCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyDeleteCmd)
	keysCmd.AddCommand(keyShowCmd)

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyRotateCmd.Flags().BoolVar(&forceDelete, "force", false, "Skip confirmation prompt")
	keyDeleteCmd.Flags().BoolVar(&forceDelete, "force", false, "Skip confirmation prompt")
}

func runKeyID(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	deviceID, err := keySvc.GetDeviceID(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println(deviceID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	records, err := store.GetAll(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(records) == 0 {
		fmt.Println("No key records found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tVERSION\tCREATED")
	for _, record := range records {
		created := time.UnixMilli(record.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%d\t%s\n", record.DeviceID, record.Version, created)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !forceDelete {
		if !promptConfirmation("Rotating makes data encrypted under the current key unrecoverable. Continue?") {
			fmt.Println("Aborted.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Rotating device key..."
	s.Start()

	_, err := keySvc.RegenerateDeviceKey(cmd.Context())
	s.Stop()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	deviceID, err := keySvc.GetDeviceID(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Device key rotated.")
	fmt.Printf("New device id: %s\n", deviceID)

	return auditCmdComplete(cmd, nil, started)
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !forceDelete {
		if !promptConfirmation("Deleting makes data encrypted under the current key unrecoverable. Continue?") {
			fmt.Println("Aborted.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	// Establish which key is current before deleting; with a cold cache
	// nothing would be deleted otherwise
	if _, err := keySvc.GetDeviceKey(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err := keySvc.DeleteCurrentDeviceKey(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Device key deleted.")
	return auditCmdComplete(cmd, nil, started)
}

func runKeyShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	record, err := keySvc.LoadDeviceKeyByID(cmd.Context(), args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if record == nil {
		return auditCmdComplete(cmd, fmt.Errorf("no record found for device id %s", args[0]), started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Device ID:   %s\n", record.DeviceID)
	fmt.Printf("Version:     %d\n", record.Version)
	fmt.Printf("Created:     %s\n", time.UnixMilli(record.CreatedAt).UTC().Format(time.RFC3339))
	fmt.Printf("Wrapped Key: %s\n", record.WrappedKey)

	return auditCmdComplete(cmd, nil, started)
}
