package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/framekey"
	"southwinds.dev/framekey/internal/mem"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key service status",
	Long:  "Display information about the key service including memory protection level and device key status.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Println("Framekey Status")
	fmt.Println("===============")

	if svc, ok := keySvc.(*framekey.CryptoService); ok {
		fmt.Printf("Memory Protection: %s\n", protectionName(svc.ProtectionLevel()))
		fmt.Printf("PBKDF2 Iterations: %d\n", svc.Config().PBKDF2Iterations)
		fmt.Printf("Storage Key: %s\n", svc.Config().DeviceKeyStorageKey)
	}

	fmt.Printf("Store Type: %s\n", store.GetType())
	fmt.Printf("Store Path: %s\n", storePath)

	// Presence only; status must not generate a key as a side effect
	hasKey, err := keySvc.HasDeviceKey(ctx)
	if err != nil {
		fmt.Printf("Device Key: ERROR - %v\n", err)
		return nil
	}
	if hasKey {
		fmt.Printf("Device Key: present\n")
	} else {
		fmt.Printf("Device Key: none (will be generated on first use)\n")
	}

	records, err := store.GetAll(ctx)
	if err != nil {
		fmt.Printf("Stored Records: ERROR - %v\n", err)
		return nil
	}
	fmt.Printf("Stored Records: %d\n", len(records))

	return nil
}

func protectionName(level mem.ProtectionLevel) string {
	switch level {
	case mem.ProtectionFull:
		return "full (memory locked)"
	case mem.ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}
