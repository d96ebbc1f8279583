package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export key records to a passphrase-protected bundle",
	Long: `Export all wrapped device key records to a passphrase-protected bundle.

Records stay wrapped under their original fingerprints; the bundle never
contains raw key material. The passphrase is read from --passphrase or the
FRAMEKEY_EXPORT_PASSPHRASE environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import key records from a bundle",
	Long: `Import wrapped device key records from a bundle produced by export.

Imported records only become usable on a device whose fingerprint matches the
one they were wrapped under.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var bundlePassphrase string

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().StringVar(&bundlePassphrase, "passphrase", "", "bundle passphrase (or FRAMEKEY_EXPORT_PASSPHRASE env var)")
	importCmd.Flags().StringVar(&bundlePassphrase, "passphrase", "", "bundle passphrase (or FRAMEKEY_EXPORT_PASSPHRASE env var)")
}

func resolvePassphrase() (string, error) {
	if bundlePassphrase != "" {
		return bundlePassphrase, nil
	}
	if env := os.Getenv("FRAMEKEY_EXPORT_PASSPHRASE"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("bundle passphrase is required. Use --passphrase flag or FRAMEKEY_EXPORT_PASSPHRASE environment variable")
}

func runExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	passphrase, err := resolvePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Exporting key records..."
	s.Start()

	err = keySvc.ExportDeviceKeys(cmd.Context(), args[0], passphrase)
	s.Stop()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Key records exported to %s", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	passphrase, err := resolvePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Importing key records..."
	s.Start()

	count, err := keySvc.ImportDeviceKeys(cmd.Context(), args[0], passphrase)
	s.Stop()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Imported %d key record(s) from %s", count, args[0])
	return auditCmdComplete(cmd, nil, started)
}
