package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

var (
	watchMode      string
	watchThrottle  time.Duration
	watchBatchSize int
	watchBatchWait time.Duration
	watchJSON      bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMode, "mode", "direct", "delivery mode: direct, throttled or batched")
	watchCmd.Flags().DurationVar(&watchThrottle, "throttle", 0, "throttle window (default from config)")
	watchCmd.Flags().IntVar(&watchBatchSize, "batch-size", 0, "events per batch (default from config)")
	watchCmd.Flags().DurationVar(&watchBatchWait, "batch-timeout", 0, "max wait before a partial batch is flushed")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print deliveries as JSON lines")
}

var watchCmd = &cobra.Command{
	Use:   "watch <resource> [field=value ...]",
	Short: "Print realtime changes of a resource",
	Long: "Subscribe to a resource through the multiplexer and print every delivery\n" +
		"until interrupted. With the webhook transport, a receiver is served on\n" +
		"realtime.webhook_addr.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filters, err := parseFilters(args[1:])
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		client, cfg, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if wh, ok := client.Feed().(*nexasync.WebhookFeed); ok {
			srv := &http.Server{Addr: cfg.Realtime.WebhookAddr, Handler: wh, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Printf("webhook receiver stopped: %v\n", err)
					stop()
				}
			}()
			defer srv.Close()
			fmt.Printf("Receiving webhooks on %s\n", cfg.Realtime.WebhookAddr)
		}

		sub, err := client.Mux.Subscribe(ctx, args[0], filters, nexasync.SubscribeOptions{
			Mode:          nexasync.DeliveryMode(watchMode),
			ThrottleDelay: watchThrottle,
			BatchSize:     watchBatchSize,
			BatchTimeout:  watchBatchWait,
		})
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		defer client.Mux.Unsubscribe(sub.ID())
		fmt.Printf("Watching %s (%s)\n", args[0], sub.Mode())

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sub.Done():
				if err := sub.Err(); err != nil {
					return fmt.Errorf("subscription ended: %w", err)
				}
				return nil
			case d, ok := <-sub.Events():
				if !ok {
					return nil
				}
				client.Apply(d)
				printDelivery(d)
			}
		}
	},
}

func printDelivery(d nexasync.Delivery) {
	if watchJSON {
		printJSON(d)
		return
	}
	latest := d.Latest()
	ts := latest.ObservedAt.Format(time.TimeOnly)
	if d.Count > 1 {
		fmt.Printf("%s %-6s %s x%d %s\n", ts, d.Kind, d.Resource, d.Count, latest.Payload)
		return
	}
	fmt.Printf("%s %-6s %s %s\n", ts, d.Kind, d.Resource, latest.Payload)
}
