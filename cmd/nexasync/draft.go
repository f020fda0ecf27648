package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

func init() {
	rootCmd.AddCommand(draftCmd)
	draftCmd.AddCommand(draftGetCmd, draftSetCmd, draftClearCmd)
}

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Read or write per-conversation drafts",
}

var draftGetCmd = &cobra.Command{
	Use:   "get <conversation-id>",
	Short: "Print the saved draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			text, err := client.Queue.GetDraft(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		})
	},
}

var draftSetCmd = &cobra.Command{
	Use:   "set <conversation-id> <text...>",
	Short: "Save a draft",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			return client.Queue.SaveDraft(ctx, args[0], strings.Join(args[1:], " "))
		})
	},
}

var draftClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Remove the saved draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			return client.Queue.ClearDraft(ctx, args[0])
		})
	},
}
