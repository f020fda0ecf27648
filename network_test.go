package nexasync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	nexasync "github.com/nexa-social/nexasync"
	"github.com/nexa-social/nexasync/clock"
)

func recvBool(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transition")
	}
	return false
}

func TestStaticObserver(t *testing.T) {
	obs := nexasync.NewStaticObserver(true)
	ctx, cancel := context.WithCancel(context.Background())
	changes := obs.Changes(ctx)

	obs.Set(true)
	obs.Set(false)
	if recvBool(t, changes) {
		t.Error("expected offline transition")
	}
	if online, _ := obs.Fetch(ctx); online {
		t.Error("Fetch after Set(false) reports online")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			t.Error("unexpected value after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Changes not closed after cancel")
	}
}

func TestProbeObserver(t *testing.T) {
	var status atomic.Int32
	var hits atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		hits.Add(1)
	}))
	defer srv.Close()

	t.Run("fetch", func(t *testing.T) {
		p := &nexasync.ProbeObserver{URL: srv.URL}
		if online, err := p.Fetch(context.Background()); !online || err != nil {
			t.Errorf("Fetch = %v, %v", online, err)
		}
		dead := &nexasync.ProbeObserver{URL: "http://127.0.0.1:1"}
		if online, _ := dead.Fetch(context.Background()); online {
			t.Error("unreachable probe reported online")
		}
	})

	t.Run("changes", func(t *testing.T) {
		clk := clock.Fake(epoch)
		p := &nexasync.ProbeObserver{URL: srv.URL, Interval: 10 * time.Second, Clock: clk}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		before := hits.Load()
		changes := p.Changes(ctx)
		clk.WaitForTimers(1)
		waitFor(t, "initial probe", func() bool { return hits.Load() > before })

		status.Store(http.StatusServiceUnavailable)
		clk.Advance(10 * time.Second)
		if recvBool(t, changes) {
			t.Error("expected offline after 503")
		}

		status.Store(http.StatusNoContent)
		clk.Advance(10 * time.Second)
		if !recvBool(t, changes) {
			t.Error("expected online after recovery")
		}
	})
}
