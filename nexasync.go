// Package nexasync keeps a client's local view of conversations in step
// with a remote store over an unreliable network.
//
// It covers four managers that share one retry executor:
//
//	exec := nexasync.NewExecutor(nexasync.DefaultRetryPolicy(), nexasync.DefaultBreakerConfig())
//
//	// Paginated cache with request de-duplication and prefetch
//	msgs := nexasync.NewCache[nexasync.Message](nexasync.StoreLoader[nexasync.Message](store), cfg, nexasync.MessageID)
//	page, _ := msgs.LoadData(ctx, nexasync.MessagesQuery("c1", 20))
//
//	// Subscription multiplexer over a capped number of channels
//	mux := nexasync.NewMultiplexer(feed, nexasync.DefaultMultiplexerConfig())
//	sub, _ := mux.Subscribe(ctx, "messages", nexasync.Filters{nexasync.Eq("conversation_id", "c1")}, nexasync.SubscribeOptions{})
//
//	// Offline queue replayed on reconnect
//	q, _ := nexasync.NewOfflineQueue(ctx, kv, nexasync.StoreSender{Store: store}, nexasync.DefaultOfflineConfig())
//	q.Send(ctx, nexasync.OfflineMessage{ConversationID: "c1", SenderID: "u1", Payload: body})
//
// New wires all of them from a Config.
package nexasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexa-social/nexasync/clock"
)

// ============================================================================
// Dependencies
// ============================================================================

// Deps are the collaborators a Client is built on. Store is required;
// Feed defaults to Store when it is also a ChangeFeed; KV defaults to
// memory; Sender defaults to StoreSender.
type Deps struct {
	Store     ResourceStore
	Feed      ChangeFeed
	KV        KVStore
	Sender    Sender
	Uploader  Uploader
	Network   NetworkObserver
	Validator *PayloadValidator
	Clock     clock.Clock
	Logger    *zerolog.Logger

	// Closers run after the managers stop, in order.
	Closers []io.Closer
}

// OpenDeps builds the collaborators named by cfg: the store, change
// feed, local KV, uploader and network observer. Close the returned
// Closers (or the Client built on them) when done.
func OpenDeps(ctx context.Context, cfg Config, log zerolog.Logger) (Deps, error) {
	deps := Deps{Logger: &log}
	fail := func(err error) (Deps, error) {
		closeAll(deps.Closers)
		return Deps{}, err
	}

	httpOpts := []HTTPOption{WithTimeout(cfg.Store.RequestTimeout.D())}
	if cfg.Store.APIKey != "" {
		httpOpts = append(httpOpts, WithAPIKey(cfg.Store.APIKey))
	}
	if cfg.Store.Token != "" {
		httpOpts = append(httpOpts, WithBearerToken(cfg.Store.Token))
	}

	switch cfg.Store.Kind {
	case "", "memory":
		deps.Store = NewMemoryStore()
	case "rest":
		if cfg.Store.URL == "" {
			return fail(validationError("config", "store.url is required for the rest store"))
		}
		deps.Store = NewRESTStore(cfg.Store.URL, httpOpts...)
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.Store.DSN, WithPostgresLogger(log))
		if err != nil {
			return fail(err)
		}
		deps.Store = pg
		deps.Closers = append(deps.Closers, pg)
	default:
		return fail(validationError("config", "unknown store kind %q", cfg.Store.Kind))
	}

	token := cfg.Store.Token
	if token == "" {
		token = cfg.Store.APIKey
	}
	rt := cfg.Realtime.RealtimeConfig(token)
	switch cfg.Realtime.Transport {
	case "", "memory", "postgres":
		feed, ok := deps.Store.(ChangeFeed)
		if !ok {
			return fail(validationError("config", "realtime transport %q needs a store with a change feed", cfg.Realtime.Transport))
		}
		deps.Feed = feed
	case "ws":
		deps.Feed = NewWSFeed(realtimeURL(cfg), rt)
	case "sse":
		deps.Feed = NewSSEFeed(realtimeURL(cfg), rt)
	case "webhook":
		wh, err := NewWebhookFeed(cfg.Realtime.WebhookSecret, WithWebhookLogger(log))
		if err != nil {
			return fail(err)
		}
		deps.Feed = wh
		deps.Closers = append(deps.Closers, wh)
	default:
		return fail(validationError("config", "unknown realtime transport %q", cfg.Realtime.Transport))
	}

	if cfg.Offline.KVPath != "" {
		kv, err := OpenSQLiteKV(cfg.Offline.KVPath)
		if err != nil {
			return fail(err)
		}
		deps.KV = kv
		deps.Closers = append(deps.Closers, kv)
	}

	switch cfg.Upload.Kind {
	case "s3":
		up, err := NewS3Uploader(S3Config{
			Endpoint:      cfg.Upload.Endpoint,
			Region:        cfg.Upload.Region,
			AccessKey:     cfg.Upload.AccessKey,
			SecretKey:     cfg.Upload.SecretKey,
			PublicBaseURL: cfg.Upload.PublicBaseURL,
			MaxSize:       cfg.Upload.MaxSize,
		})
		if err != nil {
			return fail(err)
		}
		deps.Uploader = up
	case "", "http":
		base := cfg.Upload.URL
		if base == "" && cfg.Store.Kind == "rest" {
			base = cfg.Store.URL
		}
		if base != "" {
			up := NewHTTPUploader(base, httpOpts...)
			if cfg.Upload.MaxSize > 0 {
				up.SetMaxSize(cfg.Upload.MaxSize)
			}
			deps.Uploader = up
		}
	default:
		return fail(validationError("config", "unknown upload kind %q", cfg.Upload.Kind))
	}

	if cfg.Offline.ProbeURL != "" {
		deps.Network = &ProbeObserver{URL: cfg.Offline.ProbeURL, Interval: cfg.Offline.ProbeInterval.D()}
	}
	return deps, nil
}

func realtimeURL(cfg Config) string {
	if cfg.Realtime.URL != "" {
		return cfg.Realtime.URL
	}
	return cfg.Store.URL
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Client
// ============================================================================

// Client is the composed synchronization layer: one executor with its
// breaker registry, one multiplexer, typed caches for messages and
// conversations, and the offline queue wired to the message cache.
type Client struct {
	Executor      *Executor
	Mux           *Multiplexer
	Messages      *Cache[Message]
	Conversations *Cache[Conversation]
	Queue         *OfflineQueue

	store    ResourceStore
	feed     ChangeFeed
	kv       KVStore
	uploader Uploader
	bucket   string
	log      zerolog.Logger
	closers  []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New builds a Client. The network watch, if any, lives until Close.
func New(ctx context.Context, cfg Config, deps Deps) (*Client, error) {
	if deps.Store == nil {
		return nil, validationError("new client", "a resource store is required")
	}
	if deps.Feed == nil {
		feed, ok := deps.Store.(ChangeFeed)
		if !ok {
			return nil, validationError("new client", "a change feed is required")
		}
		deps.Feed = feed
	}
	if deps.KV == nil {
		deps.KV = NewMemoryKV()
	}
	if deps.Sender == nil {
		deps.Sender = StoreSender{Store: deps.Store}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = *deps.Logger
	}
	validator := deps.Validator
	if validator == nil {
		v, err := NewPayloadValidator(nil)
		if err != nil {
			return nil, fmt.Errorf("compile message schemas: %w", err)
		}
		validator = v
	}

	exec := NewExecutor(cfg.Retry.RetryPolicy(), cfg.Breaker.BreakerConfig(),
		WithExecutorClock(clk), WithExecutorLogger(log.With().Str("component", "executor").Logger()))
	mux := NewMultiplexer(deps.Feed, cfg.Realtime.MultiplexerConfig(),
		WithMultiplexerClock(clk), WithMultiplexerLogger(log.With().Str("component", "multiplexer").Logger()))

	cacheCfg := cfg.Cache.CacheConfig(cfg.Store.RequestTimeout.D())
	cacheLog := log.With().Str("component", "cache").Logger()
	msgs := NewCache[Message](StoreLoader[Message](deps.Store), cacheCfg, MessageID,
		WithCacheClock(clk), WithCacheLogger(cacheLog))
	convs := NewCache[Conversation](StoreLoader[Conversation](deps.Store), cacheCfg, ConversationID,
		WithCacheClock(clk), WithCacheLogger(cacheLog))

	queue, err := NewOfflineQueue(ctx, deps.KV, deps.Sender, cfg.Offline.OfflineConfig(),
		WithOfflineClock(clk),
		WithOfflineLogger(log.With().Str("component", "offline").Logger()),
		WithOfflineExecutor(exec),
		WithValidator(validator),
		WithPinStore(deps.Store),
		WithMessageCache(msgs),
	)
	if err != nil {
		mux.Close()
		msgs.Close()
		convs.Close()
		return nil, err
	}

	c := &Client{
		Executor:      exec,
		Mux:           mux,
		Messages:      msgs,
		Conversations: convs,
		Queue:         queue,
		store:         deps.Store,
		feed:          deps.Feed,
		kv:            deps.KV,
		uploader:      deps.Uploader,
		bucket:        cfg.Upload.Bucket,
		log:           log,
		closers:       deps.Closers,
	}
	if deps.Network != nil {
		if err := queue.WatchNetwork(context.WithoutCancel(ctx), deps.Network); err != nil {
			log.Warn().Err(err).Msg("network watch not started")
		}
	}
	return c, nil
}

// Store returns the resource store the client reads and writes.
func (c *Client) Store() ResourceStore { return c.store }

// Feed returns the change feed behind the multiplexer.
func (c *Client) Feed() ChangeFeed { return c.feed }

// KV returns the local store holding the queue, drafts, pins and cache
// snapshots.
func (c *Client) KV() KVStore { return c.kv }

// Upload stores blob in the configured bucket through the media-upload
// breaker.
func (c *Client) Upload(ctx context.Context, blob Blob) (string, error) {
	if c.uploader == nil {
		return "", validationError("upload", "no uploader configured")
	}
	return UploadWithRetry(ctx, c.Executor, c.uploader, blob, c.bucket)
}

// Apply merges a delivery into the matching cache entries: inserts go
// first, updates replace by id, deletes remove. It returns the number
// of entries touched.
func (c *Client) Apply(d Delivery) int {
	switch d.Resource {
	case ResourceMessages:
		return mergeDelivery(c.Messages, d, MessageID)
	case ResourceConversations:
		return mergeDelivery(c.Conversations, d, ConversationID)
	}
	return 0
}

func mergeDelivery[T any](cache *Cache[T], d Delivery, identity func(T) string) int {
	touched := 0
	for _, ev := range d.Events {
		var item T
		if err := json.Unmarshal(ev.Payload, &item); err != nil {
			continue
		}
		id := identity(item)
		cache.MutateResource(ev.Resource, func(q Query, items []T) []T {
			if !q.Filters.Match(ev.Payload) {
				return items
			}
			touched++
			at := -1
			for i, it := range items {
				if identity(it) == id {
					at = i
					break
				}
			}
			switch {
			case ev.Kind == EventDelete && at >= 0:
				return append(items[:at:at], items[at+1:]...)
			case ev.Kind == EventDelete:
				return items
			case at >= 0:
				out := append([]T(nil), items...)
				out[at] = item
				return out
			case ev.Kind == EventInsert:
				return append([]T{item}, items...)
			}
			return items
		})
	}
	return touched
}

// ClientStats is a monitoring snapshot.
type ClientStats struct {
	Messages      CacheStats            `json:"messages"`
	Conversations CacheStats            `json:"conversations"`
	Channels      int                   `json:"channels"`
	Subscriptions int                   `json:"subscriptions"`
	Queue         QueueCounts           `json:"queue"`
	Online        bool                  `json:"online"`
	Breakers      []CircuitBreakerState `json:"breakers"`
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Messages:      c.Messages.Stats(),
		Conversations: c.Conversations.Stats(),
		Channels:      c.Mux.ActiveChannels(),
		Subscriptions: c.Mux.SubscriptionCount(),
		Queue:         c.Queue.Counts(),
		Online:        c.Queue.IsOnline(),
		Breakers:      c.Executor.Breakers(),
	}
}

// Close stops every manager, then the closers from Deps. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		errs := []error{
			c.Queue.Close(),
			c.Mux.Close(),
			c.Messages.Close(),
			c.Conversations.Close(),
			closeAll(c.closers),
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
