package nexasync_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	nexasync "github.com/nexa-social/nexasync"
	"github.com/nexa-social/nexasync/clock"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func recvDelivery(t *testing.T, sub *nexasync.Subscription) nexasync.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed while waiting for a delivery")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
	}
	return nexasync.Delivery{}
}

func expectNoDelivery(t *testing.T, sub *nexasync.Subscription) {
	t.Helper()
	select {
	case d := <-sub.Events():
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestMux(t *testing.T, cfg nexasync.MultiplexerConfig) (*nexasync.Multiplexer, *nexasync.MemoryStore, *clock.FakeClock) {
	t.Helper()
	store := nexasync.NewMemoryStore()
	clk := clock.Fake(epoch)
	m := nexasync.NewMultiplexer(store, cfg, nexasync.WithMultiplexerClock(clk))
	t.Cleanup(func() { m.Close() })
	return m, store, clk
}

func msgRow(id, conv, content string) map[string]any {
	return map[string]any{"id": id, "conversation_id": conv, "content": content}
}

func TestMultiplexerDirectDelivery(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{})
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "messages", nexasync.Filters{nexasync.Eq("conversation_id", "c1")}, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Mode() != nexasync.ModeDirect {
		t.Errorf("mode = %s, want direct", sub.Mode())
	}

	store.Insert(ctx, "messages", msgRow("m1", "c2", "other"))
	store.Insert(ctx, "messages", msgRow("m2", "c1", "hello"))

	d := recvDelivery(t, sub)
	if d.Kind != nexasync.EventInsert || d.Count != 1 {
		t.Fatalf("delivery = %+v", d)
	}
	if got := string(d.Latest().Payload); got == "" || d.Latest().Resource != "messages" {
		t.Fatalf("payload = %q", got)
	}
	expectNoDelivery(t, sub)
}

func TestMultiplexerSharesIdenticalChannelAtCapacity(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{MaxConnections: 1})
	ctx := context.Background()
	filters := nexasync.Filters{nexasync.Eq("conversation_id", "c1")}

	a, err := m.Subscribe(ctx, "messages", filters, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := m.Subscribe(ctx, "messages", filters, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if got := m.ActiveChannels(); got != 1 {
		t.Errorf("ActiveChannels = %d, want 1", got)
	}
	if got := store.StreamCount(); got != 1 {
		t.Errorf("physical streams = %d, want 1", got)
	}
	if got := m.SubscriptionCount(); got != 2 {
		t.Errorf("SubscriptionCount = %d, want 2", got)
	}

	store.Insert(ctx, "messages", msgRow("m1", "c1", "hi"))
	da := recvDelivery(t, a)
	db := recvDelivery(t, b)
	if string(da.Latest().Payload) != string(db.Latest().Payload) {
		t.Errorf("subscribers saw different events: %s vs %s", da.Latest().Payload, db.Latest().Payload)
	}
}

func TestMultiplexerDropsSubscriberThatStopsReading(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{MaxConnections: 1})
	ctx := context.Background()
	filters := nexasync.Filters{nexasync.Eq("conversation_id", "c1")}

	stalled, err := m.Subscribe(ctx, "messages", filters, nexasync.SubscribeOptions{Buffer: 2})
	if err != nil {
		t.Fatalf("subscribe stalled: %v", err)
	}
	reader, err := m.Subscribe(ctx, "messages", filters, nexasync.SubscribeOptions{Buffer: 256})
	if err != nil {
		t.Fatalf("subscribe reader: %v", err)
	}

	const n = 200
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < n; i++ {
			store.Emit("messages", nexasync.EventInsert, msgRow("m", "c1", "x"))
		}
	}()
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked by a subscriber that stopped reading")
	}

	for i := 0; i < n; i++ {
		recvDelivery(t, reader)
	}
	select {
	case <-stalled.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled subscription was not ended")
	}
	if !errors.Is(stalled.Err(), nexasync.ErrSubscriberLagging) {
		t.Errorf("stalled err = %v, want ErrSubscriberLagging", stalled.Err())
	}
	if got := m.SubscriptionCount(); got != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", got)
	}
	if got := m.ActiveChannels(); got != 1 {
		t.Errorf("ActiveChannels = %d, want 1", got)
	}
}

func TestMultiplexerRejectsUnknownMode(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{})
	_, err := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{Mode: "bogus"})
	if !errors.Is(err, nexasync.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := m.ActiveChannels(); got != 0 {
		t.Errorf("ActiveChannels = %d, want 0", got)
	}
	if got := store.StreamCount(); got != 0 {
		t.Errorf("physical streams = %d, want 0", got)
	}
}

func TestMultiplexerConnectionLimit(t *testing.T) {
	m, _, _ := newTestMux(t, nexasync.MultiplexerConfig{MaxConnections: 1})
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err := m.Subscribe(ctx, "conversations", nil, nexasync.SubscribeOptions{})
	if !errors.Is(err, nexasync.ErrConnectionLimit) {
		t.Fatalf("err = %v, want ErrConnectionLimit", err)
	}
}

func TestMultiplexerFallsBackToThrottledSharing(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{MaxConnections: 1})
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe broad: %v", err)
	}
	narrow, err := m.Subscribe(ctx, "messages", nexasync.Filters{nexasync.Eq("conversation_id", "c1")}, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe narrow: %v", err)
	}
	if narrow.Mode() != nexasync.ModeThrottled {
		t.Errorf("mode = %s, want throttled", narrow.Mode())
	}
	if got := m.ActiveChannels(); got != 1 {
		t.Errorf("ActiveChannels = %d, want 1", got)
	}

	store.Insert(ctx, "messages", msgRow("m1", "c2", "not mine"))
	store.Insert(ctx, "messages", msgRow("m2", "c1", "mine"))

	d := recvDelivery(t, narrow)
	if id := d.Latest().Payload; !contains(string(id), `"m2"`) {
		t.Fatalf("narrow subscriber got %s", id)
	}
}

func TestMultiplexerUnsubscribe(t *testing.T) {
	m, store, _ := newTestMux(t, nexasync.MultiplexerConfig{})
	ctx := context.Background()

	a, _ := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{})
	b, _ := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{})
	if got := store.StreamCount(); got != 2 {
		t.Fatalf("streams = %d, want 2 below capacity", got)
	}

	t.Run("last subscriber closes channel", func(t *testing.T) {
		if !m.Unsubscribe(a.ID()) {
			t.Fatal("Unsubscribe returned false")
		}
		if _, ok := <-a.Events(); ok {
			t.Fatal("events channel still open")
		}
		if a.Err() != nil {
			t.Errorf("Err = %v, want nil", a.Err())
		}
		if got := m.ActiveChannels(); got != 1 {
			t.Errorf("ActiveChannels = %d, want 1", got)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if m.Unsubscribe("nope") {
			t.Error("Unsubscribe of unknown id returned true")
		}
	})

	m.Unsubscribe(b.ID())
	waitFor(t, "streams closed", func() bool { return store.StreamCount() == 0 })
}

func TestMultiplexerReconnectsAfterChannelError(t *testing.T) {
	cfg := nexasync.MultiplexerConfig{ReconnectDelay: time.Second, MaxReconnectDelay: 10 * time.Second, CleanupInterval: time.Hour}
	m, store, clk := newTestMux(t, cfg)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "messages", nexasync.Filters{nexasync.Eq("conversation_id", "c1")}, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store.BreakStreams("messages", errors.New("connection reset"))
	// sweep ticker + reconnect timer
	clk.WaitForTimers(2)
	if got := m.Channels(); len(got) != 1 || got[0].Connected {
		t.Fatalf("channels after error = %+v", got)
	}

	clk.Advance(2 * time.Second)
	waitFor(t, "reconnect", func() bool {
		chs := m.Channels()
		return len(chs) == 1 && chs[0].Connected
	})

	store.Insert(ctx, "messages", msgRow("m1", "c1", "after reconnect"))
	d := recvDelivery(t, sub)
	if !contains(string(d.Latest().Payload), "after reconnect") {
		t.Fatalf("payload = %s", d.Latest().Payload)
	}
}

func TestMultiplexerGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := nexasync.MultiplexerConfig{
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    time.Second,
		MaxReconnectAttempts: 1,
		CleanupInterval:      time.Hour,
	}
	m, store, clk := newTestMux(t, cfg)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cause := errors.New("server gone")
	store.FailNext(cause)
	store.BreakStreams("messages", cause)
	clk.WaitForTimers(2)
	clk.Advance(2 * time.Second)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ended")
	}
	if !errors.Is(sub.Err(), cause) {
		t.Errorf("Err = %v, want %v", sub.Err(), cause)
	}
	if got := m.ActiveChannels(); got != 0 {
		t.Errorf("ActiveChannels = %d, want 0", got)
	}
}

func TestMultiplexerSweep(t *testing.T) {
	cfg := nexasync.MultiplexerConfig{MaxConnections: 1, InactiveThreshold: 5 * time.Minute, CleanupInterval: time.Hour}

	t.Run("explicit sweep", func(t *testing.T) {
		m, store, clk := newTestMux(t, cfg)
		sub, _ := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{})

		clk.Advance(4 * time.Minute)
		if n := m.Sweep(); n != 0 {
			t.Fatalf("swept %d active channels", n)
		}
		clk.Advance(2 * time.Minute)
		if n := m.Sweep(); n != 1 {
			t.Fatalf("swept %d, want 1", n)
		}
		<-sub.Done()
		if !errors.Is(sub.Err(), nexasync.ErrSubscriptionInactive) {
			t.Errorf("Err = %v", sub.Err())
		}
		waitFor(t, "stream closed", func() bool { return store.StreamCount() == 0 })
	})

	t.Run("admission frees idle capacity", func(t *testing.T) {
		m, _, clk := newTestMux(t, cfg)
		old, _ := m.Subscribe(context.Background(), "conversations", nil, nexasync.SubscribeOptions{})

		clk.Advance(6 * time.Minute)
		if _, err := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{}); err != nil {
			t.Fatalf("subscribe after idle period: %v", err)
		}
		<-old.Done()
		if got := m.ActiveChannels(); got != 1 {
			t.Errorf("ActiveChannels = %d, want 1", got)
		}
	})

	t.Run("activity keeps channel", func(t *testing.T) {
		m, store, clk := newTestMux(t, cfg)
		sub, _ := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{})

		clk.Advance(4 * time.Minute)
		store.Emit("messages", nexasync.EventUpdate, msgRow("m1", "c1", "x"))
		recvDelivery(t, sub)
		clk.Advance(4 * time.Minute)
		if n := m.Sweep(); n != 0 {
			t.Fatalf("swept %d channels with recent activity", n)
		}
	})
}

func TestMultiplexerBatchedDelivery(t *testing.T) {
	m, store, clk := newTestMux(t, nexasync.MultiplexerConfig{CleanupInterval: time.Hour})
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "messages", nil, nexasync.SubscribeOptions{
		Mode:         nexasync.ModeBatched,
		BatchSize:    3,
		BatchTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	t.Run("flush on size", func(t *testing.T) {
		store.Emit("messages", nexasync.EventInsert, msgRow("a", "c1", ""))
		store.Emit("messages", nexasync.EventUpdate, msgRow("b", "c1", ""))
		store.Emit("messages", nexasync.EventInsert, msgRow("c", "c1", ""))

		first := recvDelivery(t, sub)
		if first.Kind != nexasync.EventInsert || first.Count != 2 || len(first.Events) != 2 {
			t.Fatalf("first group = %+v", first)
		}
		if !contains(string(first.Events[0].Payload), `"a"`) || !contains(string(first.Events[1].Payload), `"c"`) {
			t.Errorf("group order = %s, %s", first.Events[0].Payload, first.Events[1].Payload)
		}
		second := recvDelivery(t, sub)
		if second.Kind != nexasync.EventUpdate || second.Count != 1 {
			t.Fatalf("second group = %+v", second)
		}
	})

	t.Run("flush on timeout", func(t *testing.T) {
		store.Emit("messages", nexasync.EventDelete, msgRow("d", "c1", ""))
		// sweep ticker, the unfired timer of the first batch, this batch's timer
		clk.WaitForTimers(3)
		expectNoDelivery(t, sub)
		clk.Advance(time.Second)
		d := recvDelivery(t, sub)
		if d.Kind != nexasync.EventDelete || d.Count != 1 {
			t.Fatalf("delivery = %+v", d)
		}
	})
}

func TestMultiplexerClose(t *testing.T) {
	store := nexasync.NewMemoryStore()
	m := nexasync.NewMultiplexer(store, nexasync.MultiplexerConfig{}, nexasync.WithMultiplexerClock(clock.Fake(epoch)))

	sub, err := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel open after Close")
	}
	if !errors.Is(sub.Err(), nexasync.ErrMultiplexerClosed) {
		t.Errorf("Err = %v", sub.Err())
	}
	if got := store.StreamCount(); got != 0 {
		t.Errorf("streams after Close = %d", got)
	}
	if _, err := m.Subscribe(context.Background(), "messages", nil, nexasync.SubscribeOptions{}); !errors.Is(err, nexasync.ErrMultiplexerClosed) {
		t.Errorf("Subscribe after Close err = %v", err)
	}
}
