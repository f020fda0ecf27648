package nexasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/nexa-social/nexasync/clock"
)

// ============================================================================
// Offline message model
// ============================================================================

// MessageStatus is the lifecycle state of a queued message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusFailed  MessageStatus = "failed"
	StatusSynced  MessageStatus = "synced"
)

// OfflineMessage is a locally originated message waiting for, or
// recently granted, remote confirmation.
type OfflineMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
	TempID         string          `json:"tempId"`
	RetryCount     int             `json:"retryCount"`
	Status         MessageStatus   `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	SyncedAt       time.Time       `json:"syncedAt"`
	ServerID       string          `json:"serverId,omitempty"`
}

// Sender delivers one message to the remote store and returns the id the
// server assigned.
type Sender interface {
	Send(ctx context.Context, msg OfflineMessage) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg OfflineMessage) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg OfflineMessage) (string, error) { return f(ctx, msg) }

// StoreSender inserts messages as rows of Resource ("messages" when
// empty). The local id is sent as the row id so a resend after a lost
// acknowledgement addresses the same row.
type StoreSender struct {
	Store    ResourceStore
	Resource string
}

func (s StoreSender) Send(ctx context.Context, msg OfflineMessage) (string, error) {
	resource := s.Resource
	if resource == "" {
		resource = "messages"
	}
	row := map[string]any{
		"id":              msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"kind":            msg.Kind,
		"payload":         msg.Payload,
		"temp_id":         msg.TempID,
		"created_at":      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	created, err := s.Store.Insert(ctx, resource, row)
	if err != nil {
		return "", err
	}
	if id := gjson.GetBytes(created, "id"); id.Exists() {
		return id.String(), nil
	}
	return msg.ID, nil
}

// SyncResult summarises one Sync pass. Sync never returns an error; per
// message failures are listed in Errors keyed by local id.
type SyncResult struct {
	SyncedCount int
	FailedCount int
	Errors      map[string]string
	InProgress  bool
	Offline     bool
}

// Err returns the failures as a *SyncError, or nil.
func (r SyncResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &SyncError{Failures: r.Errors}
}

// SendResult reports how Send disposed of a message.
type SendResult struct {
	ID        string
	TempID    string
	Delivered bool
	ServerID  string
}

// QueueCounts is the number of queued messages per status.
type QueueCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

// OfflineConfig tunes the queue. Zero fields take the defaults.
type OfflineConfig struct {
	// MaxRetryCount is the number of failed sync passes after which a
	// message is no longer picked up automatically.
	MaxRetryCount int
	// AttemptsPerSync is the number of delivery attempts for one message
	// within a single pass.
	AttemptsPerSync   int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	// CacheExpiry is how long a synced message stays in the persisted
	// queue before removal.
	CacheExpiry   time.Duration
	FlushInterval time.Duration
}

func DefaultOfflineConfig() OfflineConfig {
	return OfflineConfig{
		MaxRetryCount:     5,
		AttemptsPerSync:   3,
		BaseRetryDelay:    time.Second,
		MaxRetryDelay:     30 * time.Second,
		BackoffMultiplier: 2,
		CacheExpiry:       time.Hour,
		FlushInterval:     30 * time.Second,
	}
}

func (c OfflineConfig) withDefaults() OfflineConfig {
	d := DefaultOfflineConfig()
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = d.MaxRetryCount
	}
	if c.AttemptsPerSync <= 0 {
		c.AttemptsPerSync = d.AttemptsPerSync
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.CacheExpiry <= 0 {
		c.CacheExpiry = d.CacheExpiry
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	return c
}

func (c OfflineConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        c.AttemptsPerSync,
		BaseDelay:         c.BaseRetryDelay,
		MaxDelay:          c.MaxRetryDelay,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// ============================================================================
// Event Emitter
// ============================================================================

// Events emitted by OfflineQueue.
const (
	QueueEventMessageQueued  = "message.queued"
	QueueEventMessageSent    = "message.sent"
	QueueEventMessageSynced  = "message.synced"
	QueueEventMessageFailed  = "message.failed"
	QueueEventMessageRemoved = "message.removed"
	QueueEventSyncStart      = "sync.start"
	QueueEventSyncComplete   = "sync.complete"
	QueueEventNetworkOnline  = "network.online"
	QueueEventNetworkOffline = "network.offline"
	QueueEventPinRollback    = "pin.rollback"
)

// QueueEventHandler receives queue events. The payload is an
// OfflineMessage for message events, a SyncResult for sync.complete and
// the number of candidates for sync.start.
type QueueEventHandler func(event string, payload any)

type queueEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]QueueEventHandler
}

// On registers handler for event. Handlers run on the goroutine that
// caused the event and must not block.
func (e *queueEmitter) On(event string, handler QueueEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *queueEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *queueEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]QueueEventHandler)
}

// ============================================================================
// Offline Queue
// ============================================================================

// OfflineQueue persists outgoing messages, replays them when the network
// returns and keeps drafts and pins in local storage.
type OfflineQueue struct {
	queueEmitter

	kv        KVStore
	sender    Sender
	exec      *Executor
	validator *PayloadValidator
	store     ResourceStore
	cache     ResourceInvalidator
	cfg       OfflineConfig
	clock     clock.Clock
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	messages []*OfflineMessage
	removals map[string]*clock.Timer
	online   bool
	syncing  bool
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup

	pinMu sync.Mutex
}

// ResourceInvalidator is the part of a Cache the queue touches after
// messages are confirmed.
type ResourceInvalidator interface {
	InvalidateResource(resource string) int
}

// OfflineOption configures an OfflineQueue.
type OfflineOption func(*OfflineQueue)

func WithOfflineClock(clk clock.Clock) OfflineOption {
	return func(o *OfflineQueue) { o.clock = clk }
}

func WithOfflineLogger(log zerolog.Logger) OfflineOption {
	return func(o *OfflineQueue) { o.log = log }
}

// WithOfflineExecutor shares an executor, and so its breakers, with
// other components.
func WithOfflineExecutor(e *Executor) OfflineOption {
	return func(o *OfflineQueue) { o.exec = e }
}

func WithValidator(v *PayloadValidator) OfflineOption {
	return func(o *OfflineQueue) { o.validator = v }
}

// WithPinStore sets the store Pin and Unpin write through to.
func WithPinStore(s ResourceStore) OfflineOption {
	return func(o *OfflineQueue) { o.store = s }
}

// WithMessageCache makes Sync drop cached "messages" pages after
// confirming deliveries.
func WithMessageCache(c ResourceInvalidator) OfflineOption {
	return func(o *OfflineQueue) { o.cache = c }
}

// WithInitialOnline sets the network state before any observer reports.
func WithInitialOnline(online bool) OfflineOption {
	return func(o *OfflineQueue) { o.online = online }
}

// NewOfflineQueue restores the persisted queue from kv and starts the
// background flush loop. Messages synced before a restart keep their
// original removal deadline.
func NewOfflineQueue(ctx context.Context, kv KVStore, sender Sender, cfg OfflineConfig, opts ...OfflineOption) (*OfflineQueue, error) {
	o := &OfflineQueue{
		queueEmitter: queueEmitter{listeners: make(map[string][]QueueEventHandler)},
		kv:           kv,
		sender:       sender,
		cfg:          cfg.withDefaults(),
		clock:        clock.Real(),
		log:          zerolog.Nop(),
		removals:     make(map[string]*clock.Timer),
		online:       true,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exec == nil {
		o.exec = NewExecutor(o.cfg.retryPolicy(), DefaultBreakerConfig(),
			WithExecutorClock(o.clock), WithExecutorLogger(o.log))
	}
	if o.validator == nil {
		v, err := NewPayloadValidator(nil)
		if err != nil {
			return nil, err
		}
		o.validator = v
	}

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(1)
	go o.flushLoop()
	return o, nil
}

func (o *OfflineQueue) load(ctx context.Context) error {
	b, ok, err := o.kv.Get(ctx, KeyOfflineMessages)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	if !ok {
		return nil
	}
	var msgs []*OfflineMessage
	if err := decodeValue(b, &msgs); err != nil {
		return fmt.Errorf("decode offline queue: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	kept := msgs[:0]
	for _, m := range msgs {
		if m.Status == StatusSynced {
			left := m.SyncedAt.Add(o.cfg.CacheExpiry).Sub(now)
			if left <= 0 {
				continue
			}
			o.scheduleRemovalLocked(m.ID, left)
		}
		kept = append(kept, m)
	}
	o.messages = kept
	if len(kept) != len(msgs) {
		return o.saveLocked(ctx)
	}
	return nil
}

// saveLocked writes the whole queue. Local storage only; no network.
func (o *OfflineQueue) saveLocked(ctx context.Context) error {
	if len(o.messages) == 0 {
		return o.kv.Remove(ctx, KeyOfflineMessages)
	}
	b, err := encodeValue(o.messages)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	return o.kv.Set(ctx, KeyOfflineMessages, b)
}

func (o *OfflineQueue) findLocked(id string) (int, *OfflineMessage) {
	for i, m := range o.messages {
		if m.ID == id {
			return i, m
		}
	}
	return -1, nil
}

// ── Network state ─────────────────────────────────────────

// IsOnline returns the current network state.
func (o *OfflineQueue) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline updates the network state. Going from offline to online
// starts a background Sync.
func (o *OfflineQueue) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	spawn := online && !o.stopped
	if spawn {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if !online {
		o.log.Info().Msg("network offline")
		o.emit(QueueEventNetworkOffline, nil)
		return
	}
	o.log.Info().Msg("network online")
	o.emit(QueueEventNetworkOnline, nil)
	if spawn {
		go func() {
			defer o.wg.Done()
			o.Sync(o.ctx)
		}()
	}
}

// WatchNetwork seeds the state from obs.Fetch and applies every pushed
// transition until ctx ends or the queue closes.
func (o *OfflineQueue) WatchNetwork(ctx context.Context, obs NetworkObserver) error {
	online, err := obs.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("network fetch: %w", err)
	}
	o.SetOnline(online)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrQueueClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	changes := obs.Changes(watchCtx)
	go func() {
		defer o.wg.Done()
		defer cancel()
		for {
			select {
			case <-o.stopCh:
				return
			case v, ok := <-changes:
				if !ok {
					return
				}
				o.SetOnline(v)
			}
		}
	}()
	return nil
}

func (o *OfflineQueue) flushLoop() {
	defer o.wg.Done()
	ticker := o.clock.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if o.IsOnline() && o.hasEligible() {
				o.Sync(o.ctx)
			}
		}
	}
}

func (o *OfflineQueue) hasEligible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.messages {
		if o.eligibleLocked(m) {
			return true
		}
	}
	return false
}

func (o *OfflineQueue) eligibleLocked(m *OfflineMessage) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return m.RetryCount < o.cfg.MaxRetryCount
	}
	return false
}

// ── Enqueue and send ──────────────────────────────────────

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("nexasync: offline queue closed")

func (o *OfflineQueue) prepare(msg OfflineMessage) (OfflineMessage, error) {
	if msg.ConversationID == "" {
		return msg, validationError("queue", "conversation id is required")
	}
	if msg.SenderID == "" {
		return msg, validationError("queue", "sender id is required")
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	if err := o.validator.Validate(msg.Kind, msg.Payload); err != nil {
		return msg, err
	}
	msg.ID = uuid.NewString()
	msg.TempID = "temp_" + uuid.NewString()
	msg.CreatedAt = o.clock.Now()
	msg.Status = StatusPending
	msg.RetryCount = 0
	msg.LastError = ""
	msg.ServerID = ""
	msg.SyncedAt = time.Time{}
	return msg, nil
}

// Queue validates msg, appends it to the persisted queue as pending and
// returns its local id. Invalid payloads are rejected before anything
// is written.
func (o *OfflineQueue) Queue(ctx context.Context, msg OfflineMessage) (string, error) {
	m, err := o.prepare(msg)
	if err != nil {
		return "", err
	}
	if err := o.enqueue(ctx, &m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (o *OfflineQueue) enqueue(ctx context.Context, m *OfflineMessage) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrQueueClosed
	}
	o.messages = append(o.messages, m)
	if err := o.saveLocked(ctx); err != nil {
		o.messages = o.messages[:len(o.messages)-1]
		o.mu.Unlock()
		return fmt.Errorf("persist offline queue: %w", err)
	}
	snapshot := *m
	o.mu.Unlock()

	o.log.Debug().Str("id", m.ID).Str("conversation", m.ConversationID).Msg("message queued")
	o.emit(QueueEventMessageQueued, snapshot)
	return nil
}

// Send delivers msg right away when online. When offline, or when the
// live attempt fails with anything but an input error, the message is
// queued instead. Either way the conversation draft is cleared once the
// message is accepted.
func (o *OfflineQueue) Send(ctx context.Context, msg OfflineMessage) (SendResult, error) {
	m, err := o.prepare(msg)
	if err != nil {
		return SendResult{}, err
	}
	res := SendResult{ID: m.ID, TempID: m.TempID}

	if o.IsOnline() {
		serverID, err := ExecuteWith(ctx, o.exec, "message-send", o.cfg.retryPolicy(), func(ctx context.Context) (string, error) {
			return o.sender.Send(ctx, m)
		})
		switch {
		case err == nil:
			res.Delivered = true
			res.ServerID = serverID
			m.Status = StatusSynced
			m.ServerID = serverID
			o.emit(QueueEventMessageSent, m)
			o.clearDraftQuietly(ctx, m.ConversationID)
			return res, nil
		case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrPayloadTooLarge):
			return SendResult{}, err
		case errors.Is(err, context.Canceled):
			return SendResult{}, err
		}
		o.log.Warn().Err(err).Str("id", m.ID).Msg("live send failed, queueing")
		m.LastError = err.Error()
	}

	if err := o.enqueue(ctx, &m); err != nil {
		return SendResult{}, err
	}
	o.clearDraftQuietly(ctx, m.ConversationID)
	return res, nil
}

func (o *OfflineQueue) clearDraftQuietly(ctx context.Context, conversationID string) {
	if err := o.kv.Remove(ctx, DraftKey(conversationID)); err != nil {
		o.log.Warn().Err(err).Str("conversation", conversationID).Msg("clear draft")
	}
}

// ── Sync ──────────────────────────────────────────────────

// Sync delivers every pending message and every failed message below
// MaxRetryCount, in queue order. A concurrent call returns at once with
// InProgress set; an offline queue returns with Offline set.
func (o *OfflineQueue) Sync(ctx context.Context) SyncResult {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return SyncResult{InProgress: true}
	}
	if !o.online {
		o.mu.Unlock()
		return SyncResult{Offline: true}
	}
	o.syncing = true
	var ids []string
	for _, m := range o.messages {
		if o.eligibleLocked(m) {
			ids = append(ids, m.ID)
		}
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	o.emit(QueueEventSyncStart, len(ids))
	res := SyncResult{Errors: make(map[string]string)}
	policy := o.cfg.retryPolicy()

	for _, id := range ids {
		o.mu.Lock()
		_, m := o.findLocked(id)
		if m == nil || !o.eligibleLocked(m) {
			o.mu.Unlock()
			continue
		}
		snapshot := *m
		o.mu.Unlock()

		serverID, err := ExecuteWith(ctx, o.exec, "message-send", policy, func(ctx context.Context) (string, error) {
			return o.sender.Send(ctx, snapshot)
		})
		if err != nil && ctx.Err() != nil {
			res.Errors[id] = err.Error()
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			// Nothing was attempted; the message keeps its status and the
			// rest of the pass would be rejected the same way.
			res.Errors[id] = err.Error()
			o.log.Warn().Err(err).Msg("sync stopped, circuit open")
			break
		}

		o.mu.Lock()
		_, m = o.findLocked(id)
		if m == nil {
			// Discarded while in flight.
			o.mu.Unlock()
			if err == nil {
				res.SyncedCount++
			}
			continue
		}
		var event string
		if err == nil {
			m.Status = StatusSynced
			m.SyncedAt = o.clock.Now()
			m.ServerID = serverID
			m.LastError = ""
			o.scheduleRemovalLocked(id, o.cfg.CacheExpiry)
			res.SyncedCount++
			event = QueueEventMessageSynced
		} else {
			m.Status = StatusFailed
			m.RetryCount++
			if !IsRetryable(err) {
				// Auth, permission and input errors will not heal by
				// themselves; leave the message for Retry or Discard.
				m.RetryCount = max(m.RetryCount, o.cfg.MaxRetryCount)
			}
			m.LastError = err.Error()
			res.FailedCount++
			res.Errors[id] = err.Error()
			event = QueueEventMessageFailed
		}
		if serr := o.saveLocked(ctx); serr != nil {
			o.log.Error().Err(serr).Msg("persist offline queue")
		}
		after := *m
		o.mu.Unlock()

		if err != nil {
			o.log.Warn().Err(err).Str("id", id).Int("retry_count", after.RetryCount).Msg("message sync failed")
		}
		o.emit(event, after)
	}

	if res.SyncedCount > 0 && o.cache != nil {
		o.cache.InvalidateResource("messages")
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	o.log.Info().Int("synced", res.SyncedCount).Int("failed", res.FailedCount).Msg("sync complete")
	o.emit(QueueEventSyncComplete, res)
	return res
}

// scheduleRemovalLocked drops a synced message from the persisted queue
// once after has elapsed.
func (o *OfflineQueue) scheduleRemovalLocked(id string, after time.Duration) {
	if t, ok := o.removals[id]; ok {
		t.Stop()
	}
	o.removals[id] = o.clock.AfterFunc(after, func() { o.removeSynced(id) })
}

func (o *OfflineQueue) removeSynced(id string) {
	o.mu.Lock()
	delete(o.removals, id)
	i, m := o.findLocked(id)
	if m == nil || m.Status != StatusSynced || o.stopped {
		o.mu.Unlock()
		return
	}
	o.messages = append(o.messages[:i], o.messages[i+1:]...)
	if err := o.saveLocked(context.Background()); err != nil {
		o.log.Error().Err(err).Msg("persist offline queue")
	}
	removed := *m
	o.mu.Unlock()
	o.emit(QueueEventMessageRemoved, removed)
}

// ── Manual recovery ───────────────────────────────────────

// Retry re-arms a failed message so the next Sync picks it up again.
func (o *OfflineQueue) Retry(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, m := o.findLocked(id)
	if m == nil {
		return validationError("retry", "no queued message %q", id)
	}
	if m.Status != StatusFailed {
		return validationError("retry", "message %q is %s", id, m.Status)
	}
	prev := *m
	m.Status = StatusPending
	m.RetryCount = 0
	m.LastError = ""
	if err := o.saveLocked(ctx); err != nil {
		*m = prev
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}

// Discard removes a message from the queue whatever its status.
func (o *OfflineQueue) Discard(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, m := o.findLocked(id)
	if m == nil {
		return validationError("discard", "no queued message %q", id)
	}
	prev := append([]*OfflineMessage(nil), o.messages...)
	o.messages = append(o.messages[:i], o.messages[i+1:]...)
	if err := o.saveLocked(ctx); err != nil {
		o.messages = prev
		return fmt.Errorf("persist offline queue: %w", err)
	}
	if t, ok := o.removals[id]; ok {
		t.Stop()
		delete(o.removals, id)
	}
	return nil
}

// Messages returns copies of the queued messages of one conversation, or
// of all conversations when conversationID is empty, in queue order.
func (o *OfflineQueue) Messages(conversationID string) []OfflineMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OfflineMessage
	for _, m := range o.messages {
		if conversationID == "" || m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out
}

// Counts returns the number of queued messages per status.
func (o *OfflineQueue) Counts() QueueCounts {
	o.mu.Lock()
	defer o.mu.Unlock()
	var c QueueCounts
	for _, m := range o.messages {
		switch m.Status {
		case StatusPending:
			c.Pending++
		case StatusFailed:
			c.Failed++
		case StatusSynced:
			c.Synced++
		}
	}
	return c
}

// ── Drafts ────────────────────────────────────────────────

type draft struct {
	Text      string    `cbor:"text"`
	UpdatedAt time.Time `cbor:"updatedAt"`
}

// SaveDraft stores the draft text of a conversation. Empty text clears
// it.
func (o *OfflineQueue) SaveDraft(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return validationError("draft", "conversation id is required")
	}
	if text == "" {
		return o.ClearDraft(ctx, conversationID)
	}
	b, err := encodeValue(draft{Text: text, UpdatedAt: o.clock.Now()})
	if err != nil {
		return err
	}
	return o.kv.Set(ctx, DraftKey(conversationID), b)
}

// GetDraft returns the saved draft, or "" when there is none.
func (o *OfflineQueue) GetDraft(ctx context.Context, conversationID string) (string, error) {
	b, ok, err := o.kv.Get(ctx, DraftKey(conversationID))
	if err != nil || !ok {
		return "", err
	}
	var d draft
	if err := decodeValue(b, &d); err != nil {
		return "", fmt.Errorf("decode draft: %w", err)
	}
	return d.Text, nil
}

func (o *OfflineQueue) ClearDraft(ctx context.Context, conversationID string) error {
	return o.kv.Remove(ctx, DraftKey(conversationID))
}

// ── Optimistic pins ───────────────────────────────────────

// Pinned returns the locally pinned ids of resource, sorted.
func (o *OfflineQueue) Pinned(ctx context.Context, resource string) ([]string, error) {
	o.pinMu.Lock()
	defer o.pinMu.Unlock()
	set, err := o.loadPinsLocked(ctx, resource)
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

// Pin marks id as pinned locally, then writes pinned=true to the store.
// If the write fails after retries the local set is rolled back.
func (o *OfflineQueue) Pin(ctx context.Context, resource, id string) error {
	return o.setPinned(ctx, resource, id, true)
}

// Unpin is the inverse of Pin, with the same rollback.
func (o *OfflineQueue) Unpin(ctx context.Context, resource, id string) error {
	return o.setPinned(ctx, resource, id, false)
}

func (o *OfflineQueue) setPinned(ctx context.Context, resource, id string, pinned bool) error {
	if resource == "" || id == "" {
		return validationError("pin", "resource and id are required")
	}
	changed, err := o.updatePins(ctx, resource, id, pinned)
	if err != nil || !changed {
		return err
	}
	if o.store == nil {
		return nil
	}

	_, err = ExecuteWith(ctx, o.exec, "pin", o.exec.Policy(), func(ctx context.Context) (json.RawMessage, error) {
		return o.store.Update(ctx, resource, Filters{Eq("id", id)}, map[string]any{"pinned": pinned})
	})
	if err == nil {
		return nil
	}

	o.log.Warn().Err(err).Str("resource", resource).Str("id", id).Bool("pinned", pinned).Msg("pin rejected, rolling back")
	if _, rerr := o.updatePins(context.WithoutCancel(ctx), resource, id, !pinned); rerr != nil {
		o.log.Error().Err(rerr).Msg("pin rollback")
	}
	o.emit(QueueEventPinRollback, map[string]any{"resource": resource, "id": id, "pinned": !pinned})
	return err
}

func (o *OfflineQueue) updatePins(ctx context.Context, resource, id string, pinned bool) (bool, error) {
	o.pinMu.Lock()
	defer o.pinMu.Unlock()
	set, err := o.loadPinsLocked(ctx, resource)
	if err != nil {
		return false, err
	}
	if set[id] == pinned {
		return false, nil
	}
	if pinned {
		set[id] = true
	} else {
		delete(set, id)
	}
	if len(set) == 0 {
		return true, o.kv.Remove(ctx, PinnedKey(resource))
	}
	b, err := encodeValue(sortedKeys(set))
	if err != nil {
		return false, err
	}
	return true, o.kv.Set(ctx, PinnedKey(resource), b)
}

func (o *OfflineQueue) loadPinsLocked(ctx context.Context, resource string) (map[string]bool, error) {
	set := make(map[string]bool)
	b, ok, err := o.kv.Get(ctx, PinnedKey(resource))
	if err != nil || !ok {
		return set, err
	}
	var ids []string
	if err := decodeValue(b, &ids); err != nil {
		return nil, fmt.Errorf("decode pins: %w", err)
	}
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ── Lifecycle ─────────────────────────────────────────────

// Executor returns the executor used for sends and pins.
func (o *OfflineQueue) Executor() *Executor { return o.exec }

// Close stops the flush loop, network watchers and removal timers and
// waits for a running background sync. Listeners are dropped.
func (o *OfflineQueue) Close() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	close(o.stopCh)
	for id, t := range o.removals {
		t.Stop()
		delete(o.removals, id)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.removeAll()
	return nil
}
