package nexasync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/nexa-social/nexasync/clock"
)

const (
	WebhookSignatureHeader = "X-Nexasync-Signature"
	maxWebhookBody         = 1 << 20
)

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhook returns the "sha256=<hex>" signature of body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature with or without
// the "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvent decodes a webhook body into a ChangeEvent. Two shapes
// are accepted:
//
//	{"event":"INSERT","resource":"messages","timestamp":1700000000000,"record":{...},"old_record":{...}}
//	{"event":"message.new","message":{...}}
//
// The second is the chat server's message webhook; its resource is
// always "messages".
func ParseWebhookEvent(body []byte, now time.Time) (ChangeEvent, error) {
	if !gjson.ValidBytes(body) {
		return ChangeEvent{}, validationError("webhook", "invalid JSON body")
	}
	p := gjson.ParseBytes(body)
	event := p.Get("event").String()
	if event == "" {
		return ChangeEvent{}, validationError("webhook", "missing event field")
	}
	kind, ok := ParseEventKind(event)
	if !ok {
		return ChangeEvent{}, validationError("webhook", "unknown event %q", event)
	}

	resource := p.Get("resource").String()
	rec := p.Get("record")
	if msg := p.Get("message"); msg.IsObject() && !rec.Exists() {
		rec = msg
		if resource == "" {
			resource = "messages"
		}
	}
	if kind == EventDelete || !rec.IsObject() {
		if old := p.Get("old_record"); old.IsObject() {
			rec = old
		}
	}
	if resource == "" {
		return ChangeEvent{}, validationError("webhook", "missing resource")
	}
	if !rec.IsObject() {
		return ChangeEvent{}, validationError("webhook", "missing record")
	}

	observed := now
	if ts := p.Get("timestamp").Int(); ts > 0 {
		if ts < 1e12 {
			ts *= 1000 // seconds
		}
		observed = time.UnixMilli(ts).UTC()
	}
	return ChangeEvent{Kind: kind, Resource: resource, Payload: json.RawMessage(rec.Raw), ObservedAt: observed}, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a ChangeFeed fed by signed HTTP callbacks. Mount it as
// an http.Handler; every verified event is fanned out to the matching
// subscriptions. A subscriber whose buffer is full is ended with a
// network error so its owner resubscribes and refetches.
type WebhookFeed struct {
	secret string
	log    zerolog.Logger
	clock  clock.Clock
	buffer int

	mu     sync.Mutex
	subs   map[*webhookSub]struct{}
	closed bool
}

type webhookSub struct {
	*chanStream
	resource string
	filters  Filters
	stopCtx  func() bool // guarded by WebhookFeed.mu
}

type WebhookOption func(*WebhookFeed)

func WithWebhookLogger(log zerolog.Logger) WebhookOption {
	return func(f *WebhookFeed) { f.log = log }
}

func WithWebhookClock(clk clock.Clock) WebhookOption {
	return func(f *WebhookFeed) { f.clock = clk }
}

func WithWebhookBuffer(n int) WebhookOption {
	return func(f *WebhookFeed) { f.buffer = n }
}

func NewWebhookFeed(secret string, opts ...WebhookOption) (*WebhookFeed, error) {
	if secret == "" {
		return nil, validationError("webhook", "secret is required")
	}
	f := &WebhookFeed{
		secret: secret,
		log:    zerolog.Nop(),
		clock:  clock.Real(),
		buffer: 64,
		subs:   make(map[*webhookSub]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Subscribe registers a stream for resource. It ends when ctx is done,
// on Close, or when the feed is closed.
func (f *WebhookFeed) Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resource == "" {
		return nil, validationError("webhook subscribe", "resource is required")
	}
	sub := &webhookSub{resource: resource, filters: filters}
	sub.chanStream = newChanStream(f.buffer, func() {
		f.mu.Lock()
		delete(f.subs, sub)
		stop := sub.stopCtx
		f.mu.Unlock()
		if stop != nil {
			stop()
		}
	})

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, networkError("webhook subscribe", fmt.Errorf("feed closed"))
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { sub.finish(nil) })
	f.mu.Lock()
	_, live := f.subs[sub]
	if live {
		sub.stopCtx = stop
	}
	f.mu.Unlock()
	if !live {
		stop()
	}
	return sub, nil
}

// Dispatch fans ev out and returns the number of streams that took it.
func (f *WebhookFeed) Dispatch(ev ChangeEvent) int {
	f.mu.Lock()
	var targets []*webhookSub
	for s := range f.subs {
		if s.resource == ev.Resource && s.filters.Match(ev.Payload) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s.trySend(ev) {
			delivered++
			continue
		}
		f.log.Warn().Str("resource", s.resource).Msg("webhook subscriber lagging, dropping stream")
		s.finish(&Error{Kind: KindNetwork, Op: "webhook", Message: "subscriber lagging"})
	}
	return delivered
}

// Handle verifies, parses and dispatches one webhook body. It returns
// the status code and response body for the caller to write.
func (f *WebhookFeed) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, f.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}
	ev, err := ParseWebhookEvent(body, f.clock.Now())
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	n := f.Dispatch(ev)
	f.log.Debug().Str("resource", ev.Resource).Str("kind", string(ev.Kind)).Int("delivered", n).Msg("webhook event")
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

func (f *WebhookFeed) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, data any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(data)
	}
	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "failed to read body"})
		return
	}
	writeJSON(f.Handle(body, r.Header.Get(WebhookSignatureHeader)))
}

// Close ends every stream and rejects new subscriptions.
func (f *WebhookFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	subs := make([]*webhookSub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.finish(nil)
	}
	return nil
}

// SubscriberCount returns the number of open streams.
func (f *WebhookFeed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
