package nexasync_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	nexasync "github.com/nexa-social/nexasync"
	"github.com/nexa-social/nexasync/clock"
)

func newTestClient(t *testing.T, store *nexasync.MemoryStore, deps nexasync.Deps) *nexasync.Client {
	t.Helper()
	deps.Store = store
	if deps.Clock == nil {
		deps.Clock = clock.Fake(epoch)
	}
	c, err := nexasync.New(context.Background(), nexasync.DefaultConfig(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func messageRow(id, conv, content, createdAt string) nexasync.Message {
	return nexasync.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		Kind:           "text",
		Payload:        json.RawMessage(`{"content":"` + content + `"}`),
		CreatedAt:      createdAt,
	}
}

func messageIDs(items []nexasync.Message) []string {
	ids := make([]string, len(items))
	for i, m := range items {
		ids[i] = m.ID
	}
	return ids
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := nexasync.New(context.Background(), nexasync.DefaultConfig(), nexasync.Deps{}); !errors.Is(err, nexasync.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestClientLoadAndSend(t *testing.T) {
	store := nexasync.NewMemoryStore()
	store.Seed("messages",
		messageRow("m1", "c1", "first", "2026-01-01T10:00:00Z"),
		messageRow("m2", "c1", "second", "2026-01-01T11:00:00Z"),
		messageRow("m9", "c2", "elsewhere", "2026-01-01T11:30:00Z"),
	)
	c := newTestClient(t, store, nexasync.Deps{})
	ctx := context.Background()

	res, err := c.Messages.LoadData(ctx, nexasync.MessagesQuery("c1", 20))
	if err != nil {
		t.Fatal(err)
	}
	if got := messageIDs(res.Items); len(got) != 2 || got[0] != "m2" || got[1] != "m1" {
		t.Errorf("items = %v", got)
	}
	if res.Items[0].Content() != "second" {
		t.Errorf("content = %q", res.Items[0].Content())
	}

	sub, err := c.Mux.Subscribe(ctx, "messages", nexasync.Filters{nexasync.Eq("conversation_id", "c1")}, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sent, err := c.Queue.Send(ctx, nexasync.OfflineMessage{
		ConversationID: "c1",
		SenderID:       "u1",
		Payload:        json.RawMessage(`{"content":"third"}`),
	})
	if err != nil || !sent.Delivered {
		t.Fatalf("Send = %+v, %v", sent, err)
	}

	d := recvDelivery(t, sub)
	if n := c.Apply(d); n != 1 {
		t.Errorf("Apply touched %d entries", n)
	}
	entry, ok := c.Messages.Get(nexasync.MessagesQuery("c1", 20))
	if !ok || len(entry.Items) != 3 || entry.Items[0].ID != sent.ServerID || entry.Items[0].Content() != "third" {
		t.Errorf("entry after insert = %v", messageIDs(entry.Items))
	}

	st := c.Stats()
	if st.Messages.Entries != 1 || st.Channels != 1 || st.Subscriptions != 1 || !st.Online {
		t.Errorf("stats = %+v", st)
	}
	if st.Queue != (nexasync.QueueCounts{}) {
		t.Errorf("queue = %+v", st.Queue)
	}
}

func TestClientApply(t *testing.T) {
	store := nexasync.NewMemoryStore()
	store.Seed("messages",
		messageRow("m1", "c1", "first", "2026-01-01T10:00:00Z"),
		messageRow("m2", "c1", "second", "2026-01-01T11:00:00Z"),
	)
	c := newTestClient(t, store, nexasync.Deps{})
	q := nexasync.MessagesQuery("c1", 20)
	if _, err := c.Messages.LoadData(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	event := func(kind nexasync.EventKind, m nexasync.Message) nexasync.Delivery {
		b, _ := json.Marshal(m)
		ev := nexasync.ChangeEvent{Kind: kind, Resource: "messages", Payload: b}
		return nexasync.Delivery{Resource: "messages", Kind: kind, Events: []nexasync.ChangeEvent{ev}, Count: 1}
	}

	t.Run("update replaces in place", func(t *testing.T) {
		edited := messageRow("m1", "c1", "first (edited)", "2026-01-01T10:00:00Z")
		if n := c.Apply(event(nexasync.EventUpdate, edited)); n != 1 {
			t.Errorf("touched %d", n)
		}
		e, _ := c.Messages.Get(q)
		if ids := messageIDs(e.Items); len(ids) != 2 || ids[1] != "m1" || e.Items[1].Content() != "first (edited)" {
			t.Errorf("items = %v", ids)
		}
	})

	t.Run("other conversation is ignored", func(t *testing.T) {
		if n := c.Apply(event(nexasync.EventInsert, messageRow("x1", "c2", "hi", "2026-01-01T12:00:00Z"))); n != 0 {
			t.Errorf("touched %d", n)
		}
		if e, _ := c.Messages.Get(q); len(e.Items) != 2 {
			t.Errorf("items = %v", messageIDs(e.Items))
		}
	})

	t.Run("delete removes", func(t *testing.T) {
		c.Apply(event(nexasync.EventDelete, messageRow("m2", "c1", "", "")))
		e, _ := c.Messages.Get(q)
		if ids := messageIDs(e.Items); len(ids) != 1 || ids[0] != "m1" {
			t.Errorf("items = %v", ids)
		}
	})

	t.Run("unknown resource", func(t *testing.T) {
		if n := c.Apply(nexasync.Delivery{Resource: "reactions"}); n != 0 {
			t.Errorf("touched %d", n)
		}
	})
}

func TestClientUpload(t *testing.T) {
	blob := nexasync.Blob{Name: "a.png", Data: []byte("x")}

	bare := newTestClient(t, nexasync.NewMemoryStore(), nexasync.Deps{})
	if _, err := bare.Upload(context.Background(), blob); !errors.Is(err, nexasync.ErrValidation) {
		t.Errorf("no uploader err = %v", err)
	}

	c := newTestClient(t, nexasync.NewMemoryStore(), nexasync.Deps{Uploader: &flakyUploader{}})
	url, err := c.Upload(context.Background(), blob)
	if err != nil || url != "https://cdn.example//a.png" {
		t.Errorf("Upload = %s, %v", url, err)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	store := nexasync.NewMemoryStore()
	c, err := nexasync.New(context.Background(), nexasync.DefaultConfig(), nexasync.Deps{Store: store, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := c.Messages.LoadData(context.Background(), nexasync.MessagesQuery("c1", 20)); !errors.Is(err, nexasync.ErrCacheClosed) {
		t.Errorf("LoadData after Close = %v", err)
	}
}

func TestOpenDeps(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()

	t.Run("memory defaults", func(t *testing.T) {
		deps, err := nexasync.OpenDeps(ctx, nexasync.DefaultConfig(), log)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := deps.Store.(*nexasync.MemoryStore); !ok {
			t.Errorf("store = %T", deps.Store)
		}
		if deps.Feed != deps.Store.(nexasync.ChangeFeed) || deps.Uploader != nil || deps.Network != nil || len(deps.Closers) != 0 {
			t.Errorf("deps = %+v", deps)
		}
	})

	t.Run("sqlite queue and webhook feed", func(t *testing.T) {
		cfg := nexasync.DefaultConfig()
		cfg.Offline.KVPath = filepath.Join(t.TempDir(), "queue.db")
		cfg.Realtime.Transport = "webhook"
		cfg.Realtime.WebhookSecret = "s3cret"
		cfg.Upload.URL = "https://files.example"
		deps, err := nexasync.OpenDeps(ctx, cfg, log)
		if err != nil {
			t.Fatal(err)
		}
		c, err := nexasync.New(ctx, cfg, deps)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if _, ok := deps.KV.(*nexasync.SQLiteKV); !ok {
			t.Errorf("kv = %T", deps.KV)
		}
		if _, ok := c.Feed().(*nexasync.WebhookFeed); !ok {
			t.Errorf("feed = %T", c.Feed())
		}
		if _, ok := deps.Uploader.(*nexasync.HTTPUploader); !ok {
			t.Errorf("uploader = %T", deps.Uploader)
		}
		if len(deps.Closers) != 2 {
			t.Errorf("closers = %d", len(deps.Closers))
		}
	})

	bad := map[string]func(*nexasync.Config){
		"unknown store":       func(c *nexasync.Config) { c.Store.Kind = "redis" },
		"rest without url":    func(c *nexasync.Config) { c.Store.Kind = "rest" },
		"unknown transport":   func(c *nexasync.Config) { c.Realtime.Transport = "carrier-pigeon" },
		"rest store no feed":  func(c *nexasync.Config) { c.Store.Kind = "rest"; c.Store.URL = "https://db.example" },
		"webhook no secret":   func(c *nexasync.Config) { c.Realtime.Transport = "webhook" },
		"unknown upload kind": func(c *nexasync.Config) { c.Upload.Kind = "ftp" },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			cfg := nexasync.DefaultConfig()
			mutate(&cfg)
			if _, err := nexasync.OpenDeps(ctx, cfg, log); !errors.Is(err, nexasync.ErrValidation) {
				t.Errorf("err = %v", err)
			}
		})
	}
}
