package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect CLI configuration",
	Long:  `Inspect the effective configuration merged from config file, environment variables and flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "table", "Output format (table, json, yaml)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	default:
		return printConfigTable()
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	errors := validateConfiguration()
	if len(errors) == 0 {
		fmt.Println("Configuration is valid.")
		return nil
	}

	fmt.Printf("Found %d configuration problem(s):\n", len(errors))
	for _, e := range errors {
		fmt.Printf("  - %s\n", e)
	}
	return fmt.Errorf("configuration is invalid")
}

func validateConfiguration() []string {
	var errors []string

	storeType := viper.GetString("store.type")
	validStoreTypes := []string{"filesystem", "sqlite", "s3"}
	if !contains(validStoreTypes, strings.ToLower(storeType)) {
		errors = append(errors, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	if strings.ToLower(storeType) == "s3" {
		if bucket := viper.GetString("store.s3.bucket"); bucket == "" {
			errors = append(errors, "S3 bucket is required when using S3 store")
		}
	}

	if iterations := viper.GetInt("crypto.iterations"); iterations < 100000 {
		errors = append(errors, fmt.Sprintf("PBKDF2 iterations must be at least 100000, got %d", iterations))
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" {
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		}
	}

	return errors
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	settings := viper.AllSettings()
	var keys []string
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "FRAMEKEY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveFlag(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveFlag(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
