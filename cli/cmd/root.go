package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/framekey"
	"southwinds.dev/framekey/audit"
	"southwinds.dev/framekey/persist"
)

var (
	cfgFile     string
	storePath   string
	keySvc      framekey.KeyService
	store       persist.Store
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "framekey",
	Short: "Client-side envelope encryption with device-bound keys",
	Long: `A client-resident envelope encryption tool. A per-installation content key
is generated locally, wrapped under a key derived from the device fingerprint,
and stored only in wrapped form. No server ever holds key material: data
encrypted here can only be decrypted on a device with a matching fingerprint.`,
	PersistentPreRunE: initializeService,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if keySvc != nil {
			return keySvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.framekey.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to key record storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, sqlite, s3)")
	rootCmd.PersistentFlags().String("storage-key", "", "namespace for stored key records")
	rootCmd.PersistentFlags().Int("iterations", 0, "PBKDF2 iteration count for wrapping key derivation")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("crypto.storage_key", "storage-key")
	bindFlagOrPanic("crypto.iterations", "iterations")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/framekey")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".framekey")
	}

	viper.SetEnvPrefix("FRAMEKEY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine; flags and env carry the rest
	}
}

func setDefaults() {
	viper.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("store.path", defaultStorePath())
	viper.SetDefault("crypto.storage_key", framekey.DefaultStorageKey)
	viper.SetDefault("crypto.iterations", framekey.DefaultPBKDF2Iterations)
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("store.s3.use_ssl", true)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".framekey-store"
	}
	return filepath.Join(home, ".framekey-store")
}

func initializeService(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	storePath = viper.GetString("store.path")

	// Set audit file path relative to store path if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	config := framekey.DefaultConfig().
		WithStorageKey(viper.GetString("crypto.storage_key")).
		WithIterations(viper.GetInt("crypto.iterations"))

	keySvc, err = framekey.NewWithStore(config, store, nil, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize key service: %w", err)
	}

	return nil
}

func createAuditLogger() (audit.Logger, error) {
	if !viper.GetBool("audit.enabled") {
		return audit.NewNoOpLogger(), nil
	}

	return audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(storeType string) (persist.Store, error) {
	storageKey := viper.GetString("crypto.storage_key")

	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": storePath},
		}, storageKey)

	case persist.StoreTypeSQLite:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeSQLite,
			Config: map[string]interface{}{"db_path": filepath.Join(storePath, "framekey.db")},
		}, storageKey)

	case persist.StoreTypeS3:
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("store.s3.endpoint"),
				"region":            viper.GetString("store.s3.region"),
				"bucket":            viper.GetString("store.s3.bucket"),
				"key_prefix":        viper.GetString("store.s3.key_prefix"),
				"access_key_id":     viper.GetString("store.s3.access_key_id"),
				"secret_access_key": viper.GetString("store.s3.secret_access_key"),
				"use_ssl":           viper.GetBool("store.s3.use_ssl"),
			},
		}, storageKey)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
