package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initStoreKind string
	initAPIKey    string
	initTransport string
	initForce     bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initStoreKind, "store", "", "store kind: memory, rest or postgres (default rest when a URL is given)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key for the rest store")
	initCmd.Flags().StringVar(&initTransport, "transport", "", "realtime transport: memory, ws, sse, postgres or webhook")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init [store-url-or-dsn]",
	Short: "Write a config file to ~/.nexasync/config.toml",
	Long: "Initialize nexasync with a default configuration. The offline queue is\n" +
		"persisted next to the config file so queued messages survive restarts.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Offline.KVPath = filepath.Join(filepath.Dir(path), "queue.db")

		kind := initStoreKind
		if kind == "" && len(args) == 1 {
			kind = "rest"
		}
		if kind != "" {
			cfg.Store.Kind = kind
		}
		if len(args) == 1 {
			switch cfg.Store.Kind {
			case "postgres":
				cfg.Store.DSN = args[0]
				cfg.Realtime.Transport = "postgres"
			default:
				cfg.Store.URL = args[0]
				cfg.Realtime.Transport = "ws"
			}
		}
		if initAPIKey != "" {
			cfg.Store.APIKey = initAPIKey
		}
		if initTransport != "" {
			cfg.Realtime.Transport = initTransport
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}
