package nexasync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nexa-social/nexasync/clock"
)

// NetworkObserver reports connectivity: Fetch once at startup, then
// transitions pushed on Changes until ctx ends.
type NetworkObserver interface {
	Fetch(ctx context.Context) (bool, error)
	Changes(ctx context.Context) <-chan bool
}

// ============================================================================
// StaticObserver
// ============================================================================

// StaticObserver is set by hand, for embedding apps that learn about
// connectivity from the platform and for tests.
type StaticObserver struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

func NewStaticObserver(online bool) *StaticObserver {
	return &StaticObserver{online: online, subs: make(map[chan bool]struct{})}
}

func (s *StaticObserver) Fetch(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, nil
}

func (s *StaticObserver) Changes(ctx context.Context) <-chan bool {
	ch := make(chan bool, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Set records the state and notifies watchers when it changed.
func (s *StaticObserver) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for ch := range s.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// ============================================================================
// ProbeObserver
// ============================================================================

// ProbeObserver polls a health URL. Any response below 500 counts as
// online; transport errors and 5xx count as offline.
type ProbeObserver struct {
	URL        string
	Interval   time.Duration
	HTTPClient *http.Client
	Clock      clock.Clock
}

func (p *ProbeObserver) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (p *ProbeObserver) Fetch(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return false, nil
	}
	resp.Body.Close()
	return resp.StatusCode < 500, nil
}

func (p *ProbeObserver) Changes(ctx context.Context) <-chan bool {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()

		last, _ := p.Fetch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			online, _ := p.Fetch(ctx)
			if online == last {
				continue
			}
			last = online
			select {
			case out <- online:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
