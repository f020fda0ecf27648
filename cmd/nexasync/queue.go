package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// queue send
	queueSendSender  string
	queueSendKind    string
	queueSendPayload string
	queueSendOffline bool

	// queue list
	queueListJSON bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueSendCmd, queueListCmd, queueSyncCmd, queueRetryCmd, queueDiscardCmd)

	queueSendCmd.Flags().StringVar(&queueSendSender, "sender", "", "sender id (required)")
	queueSendCmd.Flags().StringVar(&queueSendKind, "kind", "text", "message kind")
	queueSendCmd.Flags().StringVar(&queueSendPayload, "payload", "", "raw JSON payload instead of text content")
	queueSendCmd.Flags().BoolVar(&queueSendOffline, "offline", false, "queue without attempting delivery")
	queueSendCmd.MarkFlagRequired("sender")

	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "print messages as JSON")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the offline message queue",
}

// ============================================================================
// queue send
// ============================================================================

var queueSendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message, queueing it when delivery fails",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(queueSendPayload)
		if queueSendPayload == "" {
			if len(args) < 2 {
				return fmt.Errorf("message text or --payload is required")
			}
			b, _ := json.Marshal(map[string]string{"content": args[1]})
			payload = b
		}
		msg := nexasync.OfflineMessage{
			ConversationID: args[0],
			SenderID:       queueSendSender,
			Kind:           queueSendKind,
			Payload:        payload,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client, _, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if queueSendOffline {
			id, err := client.Queue.Queue(ctx, msg)
			if err != nil {
				return err
			}
			fmt.Printf("Queued:   %s\n", id)
			return nil
		}
		res, err := client.Queue.Send(ctx, msg)
		if err != nil {
			return err
		}
		if res.Delivered {
			fmt.Printf("Sent:     %s (server id %s)\n", res.ID, res.ServerID)
		} else {
			fmt.Printf("Queued:   %s (will sync when online)\n", res.ID)
		}
		return nil
	},
}

// ============================================================================
// queue list
// ============================================================================

var queueListCmd = &cobra.Command{
	Use:   "list [conversation-id]",
	Short: "List queued messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := ""
		if len(args) == 1 {
			conv = args[0]
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, _, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		msgs := client.Queue.Messages(conv)
		if queueListJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%-36s %-8s retries=%d %-12s %s\n", m.ID, m.Status, m.RetryCount, m.ConversationID, m.CreatedAt.Format(time.RFC3339))
			if m.LastError != "" {
				fmt.Printf("    last error: %s\n", m.LastError)
			}
		}
		return nil
	},
}

// ============================================================================
// queue sync / retry / discard
// ============================================================================

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending messages now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		client, _, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		res := client.Queue.Sync(ctx)
		switch {
		case res.Offline:
			fmt.Println("Offline: nothing was sent.")
			return nil
		case res.InProgress:
			fmt.Println("A sync is already running.")
			return nil
		}
		fmt.Printf("Synced: %d  Failed: %d\n", res.SyncedCount, res.FailedCount)
		ids := make([]string, 0, len(res.Errors))
		for id := range res.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %s: %s\n", id, res.Errors[id])
		}
		return res.Err()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Re-arm a failed message for the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			if err := client.Queue.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Message %s will be retried.\n", args[0])
			return nil
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <message-id>",
	Short: "Remove a message from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client *nexasync.Client) error {
			if err := client.Queue.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Message %s discarded.\n", args[0])
			return nil
		})
	},
}

// withClient runs fn with a client and a short deadline.
func withClient(fn func(ctx context.Context, client *nexasync.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, _, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}
