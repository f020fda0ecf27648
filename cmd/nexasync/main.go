package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

// ============================================================================
// Config helpers
// ============================================================================

var (
	configFlag string
	verbose    bool
)

// configDir returns the path to ~/.nexasync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".nexasync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns --config, or the config file in configDir.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (nexasync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nexasync.Config{}, err
	}
	return nexasync.LoadConfig(path)
}

func saveConfig(cfg nexasync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// openClient builds the client described by the config file. Logs go to
// stderr so stdout stays parseable.
func openClient(ctx context.Context) (*nexasync.Client, nexasync.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log := nexasync.NewLogger(cfg.Log, os.Stderr)
	deps, err := nexasync.OpenDeps(ctx, cfg, log)
	if err != nil {
		return nil, cfg, err
	}
	client, err := nexasync.New(ctx, cfg, deps)
	if err != nil {
		for _, c := range deps.Closers {
			c.Close()
		}
		return nil, cfg, err
	}
	return client, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "nexasync",
	Short: "Offline-first sync client",
	Long: "Command-line interface for the nexasync synchronization layer.\n" +
		"Load paginated data, watch realtime changes, and manage the offline message queue.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.nexasync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
