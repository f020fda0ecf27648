package nexasync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nexa-social/nexasync/clock"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format of every server message. Type is
// a control type (authenticated, subscribed, pong, error) or a change
// kind understood by ParseEventKind.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Resource  string          `json:"resource,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type subscribePayload struct {
	Resource string   `json:"resource"`
	Filters  []string `json:"filters,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures WSFeed and SSEFeed.
type RealtimeConfig struct {
	Token             string
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// StaleAfter ends an SSE stream that has been silent this long.
	StaleAfter       time.Duration
	HandshakeTimeout time.Duration
	Buffer           int
	HTTPClient       *http.Client
	Clock            clock.Clock
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

func filterStrings(filters Filters) []string {
	out := make([]string, len(filters))
	for i, f := range filters {
		out[i] = f.String()
	}
	return out
}

// changeEvent converts a server envelope. ok is false for control
// messages and for rows outside filters.
func changeEvent(env RealtimeEnvelope, resource string, filters Filters, now time.Time) (ChangeEvent, bool) {
	kind, ok := ParseEventKind(env.Type)
	if !ok {
		return ChangeEvent{}, false
	}
	if env.Resource != "" && env.Resource != resource {
		return ChangeEvent{}, false
	}
	if !filters.Match(env.Payload) {
		return ChangeEvent{}, false
	}
	return ChangeEvent{Kind: kind, Resource: resource, Payload: env.Payload, ObservedAt: now}, true
}

// ============================================================================
// WSFeed
// ============================================================================

// WSFeed is a ChangeFeed over WebSocket. Each Subscribe dials one
// connection, waits for "authenticated", sends a subscribe command and
// waits for its "subscribed" ack. A ping is sent every
// HeartbeatInterval; a missing pong closes the connection and the
// stream ends with a network error.
type WSFeed struct {
	baseURL string
	config  RealtimeConfig
	seq     atomic.Int64
}

func NewWSFeed(baseURL string, config RealtimeConfig) *WSFeed {
	config.defaults()
	return &WSFeed{baseURL: strings.TrimRight(baseURL, "/"), config: config}
}

func (f *WSFeed) url() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if f.config.Token != "" {
		u += "?" + url.Values{"token": {f.config.Token}}.Encode()
	}
	return u
}

func (f *WSFeed) Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, f.config.HandshakeTimeout)
	defer hsCancel()

	conn, resp, err := websocket.Dial(hsCtx, f.url(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &Error{Kind: ClassifyStatus(resp.StatusCode), Op: "ws dial", StatusCode: resp.StatusCode, Err: err}
		}
		return nil, networkError("ws dial", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := f.handshake(hsCtx, conn, resource, filters); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws := &wsStream{
		feed:     f,
		conn:     conn,
		resource: resource,
		filters:  filters,
		pending:  make(map[string]chan struct{}),
		cancel:   cancel,
	}
	ws.chanStream = newChanStream(f.config.Buffer, func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)
	return ws, nil
}

func (f *WSFeed) handshake(ctx context.Context, conn *websocket.Conn, resource string, filters Filters) error {
	var env RealtimeEnvelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		return networkError("ws auth", err)
	}
	if env.Type != "authenticated" {
		return &Error{Kind: KindAuth, Op: "ws auth", Message: fmt.Sprintf("expected 'authenticated', got '%s'", env.Type)}
	}

	reqID := fmt.Sprintf("sub-%d", f.seq.Add(1))
	err := wsjson.Write(ctx, conn, RealtimeCommand{
		Type:      "subscribe",
		Payload:   subscribePayload{Resource: resource, Filters: filterStrings(filters)},
		RequestID: reqID,
	})
	if err != nil {
		return networkError("ws subscribe", err)
	}
	for {
		var ack RealtimeEnvelope
		if err := wsjson.Read(ctx, conn, &ack); err != nil {
			return networkError("ws subscribe", err)
		}
		if ack.RequestID != reqID {
			continue
		}
		switch ack.Type {
		case "subscribed":
			return nil
		case "error":
			var p struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			json.Unmarshal(ack.Payload, &p)
			return &Error{Kind: KindValidation, Op: "ws subscribe", Code: p.Code, Message: p.Message}
		}
	}
}

type wsStream struct {
	*chanStream
	feed     *WSFeed
	conn     *websocket.Conn
	resource string
	filters  Filters
	cancel   context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan struct{}
}

func (s *wsStream) closedByClient() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsStream) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closedByClient() {
				s.finish(networkError("ws read", err))
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			var p struct {
				RequestID string `json:"requestId"`
			}
			if json.Unmarshal(env.Payload, &p) == nil {
				s.resolvePong(p.RequestID)
			}
			continue
		case "error":
			s.finish(&Error{Kind: KindNetwork, Op: "ws", Message: string(env.Payload)})
			return
		}

		if ev, ok := changeEvent(env, s.resource, s.filters, s.feed.config.Clock.Now()); ok {
			if !s.send(ev) {
				return
			}
		}
	}
}

func (s *wsStream) resolvePong(id string) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *wsStream) ping(ctx context.Context) error {
	id := fmt.Sprintf("ping-%d", s.feed.seq.Add(1))
	ch := make(chan struct{})
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	err := wsjson.Write(ctx, s.conn, RealtimeCommand{Type: "ping", Payload: map[string]string{"requestId": id}})
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-s.feed.config.Clock.After(s.feed.config.PongTimeout):
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsStream) heartbeatLoop(ctx context.Context) {
	ticker := s.feed.config.Clock.NewTicker(s.feed.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.finish(networkError("ws heartbeat", err))
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// SSEFeed
// ============================================================================

// SSEFeed is a server-push ChangeFeed over Server-Sent Events. The
// subscription is carried in the query string; each "data:" line holds
// one RealtimeEnvelope and an "event:" line may supply its type.
type SSEFeed struct {
	baseURL string
	config  RealtimeConfig
}

func NewSSEFeed(baseURL string, config RealtimeConfig) *SSEFeed {
	config.defaults()
	return &SSEFeed{baseURL: strings.TrimRight(baseURL, "/"), config: config}
}

func (f *SSEFeed) Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error) {
	q := url.Values{"resource": {resource}}
	for _, s := range filterStrings(filters) {
		q.Add("filter", s)
	}
	if f.config.Token != "" {
		q.Set("token", f.config.Token)
	}

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, f.baseURL+"/sse?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, validationError("sse connect", "create request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, networkError("sse connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		if resp.StatusCode < 400 {
			return nil, &Error{Kind: KindNetwork, Op: "sse connect", StatusCode: resp.StatusCode}
		}
		return nil, &Error{Kind: ClassifyStatus(resp.StatusCode), Op: "sse connect", StatusCode: resp.StatusCode}
	}

	s := &sseStream{feed: f, resource: resource, filters: filters, lastData: f.config.Clock.Now()}
	s.chanStream = newChanStream(f.config.Buffer, cancel)
	go s.readLoop(resp)
	go s.watchdog(connCtx, cancel)
	return s, nil
}

type sseStream struct {
	*chanStream
	feed     *SSEFeed
	resource string
	filters  Filters

	mu       sync.Mutex
	lastData time.Time
	stale    bool
}

func (s *sseStream) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	var eventType string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		s.mu.Lock()
		s.lastData = s.feed.config.Clock.Now()
		s.mu.Unlock()

		switch {
		case line == "":
			eventType = ""
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &env) != nil {
				continue
			}
			if env.Type == "" {
				env.Type = eventType
			}
			if ev, ok := changeEvent(env, s.resource, s.filters, s.feed.config.Clock.Now()); ok {
				if !s.send(ev) {
					return
				}
			}
		}
	}

	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()
	err := scanner.Err()
	switch {
	case stale:
		err = errors.New("stream stale")
	case err == nil:
		err = errors.New("stream ended")
	}
	s.finish(networkError("sse read", err))
}

func (s *sseStream) watchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := s.feed.config.Clock.NewTicker(s.feed.config.StaleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.feed.config.Clock.Now().Sub(s.lastData) > s.feed.config.StaleAfter
			s.stale = stale
			s.mu.Unlock()
			if stale {
				cancel()
				return
			}
		}
	}
}
