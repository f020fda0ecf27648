package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the client stats as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue and breaker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, cfg, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		stats := client.Stats()

		if statusJSON {
			return printJSON(stats)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Store:       %s %s\n", cfg.Store.Kind, cfg.Store.URL)
		if cfg.Store.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Store.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Realtime:    %s\n", cfg.Realtime.Transport)
		fmt.Printf("  Queue file:  %s\n", valueOrDefault(cfg.Offline.KVPath, "(memory)"))

		fmt.Println()
		fmt.Println("Offline queue:")
		fmt.Printf("  Online:      %t\n", stats.Online)
		fmt.Printf("  Pending:     %d\n", stats.Queue.Pending)
		fmt.Printf("  Failed:      %d\n", stats.Queue.Failed)
		fmt.Printf("  Synced:      %d\n", stats.Queue.Synced)

		if len(stats.Breakers) > 0 {
			fmt.Println()
			fmt.Println("Circuit breakers:")
			for _, b := range stats.Breakers {
				fmt.Printf("  %-16s %-9s failures=%d\n", b.Class, b.State, b.ConsecutiveFailures)
			}
		}
		return nil
	},
}
