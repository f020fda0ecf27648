package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	nexasync "github.com/nexa-social/nexasync"
)

var (
	fetchSort     string
	fetchPageSize int
	fetchPages    int
	fetchJSON     bool
)

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchSort, "sort", "", "sort as field or field.desc")
	fetchCmd.Flags().IntVar(&fetchPageSize, "page-size", 0, "rows per page (default from config)")
	fetchCmd.Flags().IntVar(&fetchPages, "pages", 1, "number of pages to load")
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "print rows as JSON")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <resource> [field=value ...]",
	Short: "Load pages of a resource through the cache",
	Long: "Load the first page of a resource and, with --pages, the pages after it.\n" +
		"Example: nexasync fetch messages conversation_id=c1 --sort created_at.desc --pages 3",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filters, err := parseFilters(args[1:])
		if err != nil {
			return err
		}
		q := nexasync.Query{
			Resource: args[0],
			Filters:  filters,
			Sort:     parseSort(fetchSort),
			PageSize: fetchPageSize,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client, cfg, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		switch q.Resource {
		case nexasync.ResourceMessages:
			items, more, err := loadPages(ctx, client.Messages, client.KV(), q, fetchPages)
			if err != nil {
				return err
			}
			if fetchJSON {
				return printJSON(items)
			}
			for _, m := range items {
				fmt.Printf("%s  %-12s %-10s %s\n", m.CreatedAt, m.SenderID, m.ID, valueOrDefault(m.Content(), "["+m.Kind+"]"))
			}
			printMore(len(items), more)
		case nexasync.ResourceConversations:
			items, more, err := loadPages(ctx, client.Conversations, client.KV(), q, fetchPages)
			if err != nil {
				return err
			}
			if fetchJSON {
				return printJSON(items)
			}
			for _, c := range items {
				pin := " "
				if c.Pinned {
					pin = "*"
				}
				fmt.Printf("%s %-12s %-7s %-30s unread=%d\n", pin, c.ID, c.Type, c.Title, c.UnreadCount)
			}
			printMore(len(items), more)
		default:
			rows := nexasync.NewCache[json.RawMessage](nexasync.StoreLoader[json.RawMessage](client.Store()),
				cfg.Cache.CacheConfig(cfg.Store.RequestTimeout.D()), nexasync.JSONIdentity("id"))
			defer rows.Close()
			items, _, err := loadPages(ctx, rows, client.KV(), q, fetchPages)
			if err != nil {
				return err
			}
			return printJSON(items)
		}
		return nil
	},
}

// loadPages loads the first page of q and up to pages-1 more. The
// snapshot persisted by the previous run is served while still valid,
// and the result is persisted for the next one.
func loadPages[T any](ctx context.Context, cache *nexasync.Cache[T], kv nexasync.KVStore, q nexasync.Query, pages int) ([]T, bool, error) {
	if _, err := cache.Prime(ctx, kv, q); err != nil && verbose {
		fmt.Fprintf(os.Stderr, "ignoring cached snapshot: %v\n", err)
	}
	res, err := cache.LoadData(ctx, q)
	if err != nil {
		return nil, false, err
	}
	for i := 1; i < pages && res.HasMore; i++ {
		if res, err = cache.LoadMore(ctx, q); err != nil {
			return nil, false, err
		}
	}
	if _, err := cache.Persist(ctx, kv, q); err != nil {
		fmt.Fprintf(os.Stderr, "could not persist snapshot: %v\n", err)
	}
	return res.Items, res.HasMore, nil
}

func printMore(n int, more bool) {
	if more {
		fmt.Printf("(%d rows, more available)\n", n)
	} else {
		fmt.Printf("(%d rows)\n", n)
	}
}
