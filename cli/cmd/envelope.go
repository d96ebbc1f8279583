package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"southwinds.dev/framekey"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [data]",
	Short: "Encrypt data into an envelope",
	Long: `Encrypt data under the device key and print the resulting envelope as JSON.

Data is read from the argument, from --file, or from stdin. The envelope is
safe to store anywhere: it contains only ciphertext and non-secret metadata.

Examples:
  # Encrypt a literal string
  framekey encrypt "hello world"

  # Encrypt a file
  framekey encrypt --file secrets.json --type json --output secrets.enc

  # Encrypt from stdin
  cat document.txt | framekey encrypt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [envelope-file]",
	Short: "Decrypt an envelope",
	Long: `Decrypt an envelope produced by encrypt and print the plaintext.

The envelope JSON is read from the argument path or from stdin. Decryption
only succeeds on a device whose fingerprint can recover the sealing key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecrypt,
}

var (
	encryptFile   string
	encryptType   string
	outputFile    string
	decryptOutput string
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)

	encryptCmd.Flags().StringVar(&encryptFile, "file", "", "Read plaintext from file instead of argument/stdin")
	encryptCmd.Flags().StringVar(&encryptType, "type", "string", "Data type label (string, json, binary)")
	encryptCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write envelope JSON to file instead of stdout")

	decryptCmd.Flags().StringVarP(&decryptOutput, "output", "o", "", "Write plaintext to file instead of stdout")
}

func readPlaintext(args []string) ([]byte, error) {
	if encryptFile != "" {
		return os.ReadFile(encryptFile)
	}
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	return io.ReadAll(os.Stdin)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	plaintext, err := readPlaintext(args)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read plaintext: %w", err), started)
	}

	dataType := framekey.DataType(encryptType)
	switch dataType {
	case framekey.DataTypeString, framekey.DataTypeJSON, framekey.DataTypeBinary:
	default:
		return auditCmdComplete(cmd, fmt.Errorf("unknown data type: %s", encryptType), started)
	}

	result := keySvc.Encrypt(cmd.Context(), plaintext, dataType)
	if !framekey.IsEncryptSuccess(result) {
		return auditCmdComplete(cmd, fmt.Errorf("encryption failed: %s", result.Error), started)
	}

	envelopeJSON, err := json.MarshalIndent(result.Envelope, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if outputFile != "" {
		if err = os.WriteFile(outputFile, envelopeJSON, 0600); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to write envelope: %w", err), started)
		}
		color.Green("Envelope written to %s", outputFile)
	} else {
		fmt.Println(string(envelopeJSON))
	}

	return auditCmdComplete(cmd, nil, started)
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	var envelopeJSON []byte
	var err error
	if len(args) == 1 {
		envelopeJSON, err = os.ReadFile(args[0])
	} else {
		envelopeJSON, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read envelope: %w", err), started)
	}

	var envelope framekey.EncryptionEnvelope
	if err = json.Unmarshal(envelopeJSON, &envelope); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse envelope: %w", err), started)
	}

	result := keySvc.Decrypt(cmd.Context(), &envelope)
	if !framekey.IsDecryptSuccess(result) {
		return auditCmdComplete(cmd, fmt.Errorf("%s", result.Error), started)
	}

	if decryptOutput != "" {
		if err = os.WriteFile(decryptOutput, result.Data, 0600); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to write plaintext: %w", err), started)
		}
		color.Green("Plaintext written to %s", decryptOutput)
	} else {
		os.Stdout.Write(result.Data)
	}

	return auditCmdComplete(cmd, nil, started)
}
