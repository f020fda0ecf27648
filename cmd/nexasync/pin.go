package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

func init() {
	rootCmd.AddCommand(pinCmd)
	pinCmd.AddCommand(pinListCmd, pinAddCmd, pinRemoveCmd)
}

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage pinned rows",
	Long: "Pins are applied locally first and written to the store. A failed\n" +
		"write rolls the local pin back.",
}

var pinListCmd = &cobra.Command{
	Use:   "list [resource]",
	Short: "List pinned ids (default conversations)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resource := nexasync.ResourceConversations
		if len(args) == 1 {
			resource = args[0]
		}
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			ids, err := client.Queue.Pinned(ctx, resource)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var pinAddCmd = &cobra.Command{
	Use:   "add <resource> <id>",
	Short: "Pin a row",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			return client.Queue.Pin(ctx, args[0], args[1])
		})
	},
}

var pinRemoveCmd = &cobra.Command{
	Use:   "remove <resource> <id>",
	Short: "Unpin a row",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			return client.Queue.Unpin(ctx, args[0], args[1])
		})
	},
}
