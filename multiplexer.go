package nexasync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexa-social/nexasync/clock"
)

var (
	// ErrConnectionLimit is returned by Subscribe when every channel slot
	// is taken and no open channel can serve the subscription.
	ErrConnectionLimit = errors.New("subscription: connection limit reached")
	// ErrSubscriptionInactive ends subscriptions removed by the
	// inactivity sweep.
	ErrSubscriptionInactive = errors.New("subscription: removed after inactivity")
	// ErrSubscriberLagging ends a subscription whose reader stopped
	// draining Events while its buffer was full.
	ErrSubscriberLagging = errors.New("subscription: subscriber not draining events")
	// ErrMultiplexerClosed is returned after Close.
	ErrMultiplexerClosed = errors.New("subscription: multiplexer closed")
)

// ============================================================================
// Configuration
// ============================================================================

// MultiplexerConfig bounds the physical channels a Multiplexer opens.
type MultiplexerConfig struct {
	MaxConnections int

	// ReconnectDelay is the first wait after a channel error. Later
	// waits double up to MaxReconnectDelay. MaxReconnectAttempts of 0
	// retries forever.
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	CleanupInterval   time.Duration
	InactiveThreshold time.Duration

	// Defaults for subscriptions that leave the matching option zero.
	ThrottleDelay time.Duration
	BatchSize     int
	BatchTimeout  time.Duration
	Buffer        int
}

func DefaultMultiplexerConfig() MultiplexerConfig {
	return MultiplexerConfig{
		MaxConnections:    10,
		ReconnectDelay:    3 * time.Second,
		MaxReconnectDelay: time.Minute,
		CleanupInterval:   time.Minute,
		InactiveThreshold: 5 * time.Minute,
		ThrottleDelay:     100 * time.Millisecond,
		BatchSize:         10,
		BatchTimeout:      100 * time.Millisecond,
		Buffer:            64,
	}
}

func (c *MultiplexerConfig) defaults() {
	def := DefaultMultiplexerConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(def.MaxReconnectDelay, c.ReconnectDelay)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = def.InactiveThreshold
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = def.ThrottleDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.Buffer <= 0 {
		c.Buffer = def.Buffer
	}
}

// SubscribeOptions selects the delivery mode of one subscription.
type SubscribeOptions struct {
	Mode          DeliveryMode
	ThrottleDelay time.Duration
	BatchSize     int
	BatchTimeout  time.Duration
	Buffer        int
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() { r.attempt = 0 }

// ============================================================================
// Multiplexer
// ============================================================================

// Multiplexer owns every live change subscription. Subscriptions with
// the same resource and filters share one physical channel; the number
// of channels never exceeds MaxConnections.
type Multiplexer struct {
	feed  ChangeFeed
	cfg   MultiplexerConfig
	clock clock.Clock
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	subs     map[string]*Subscription
	closed   bool
}

// channel is one physical stream plus the subscriptions fanned out of it.
type channel struct {
	id       string
	key      string
	resource string
	filters  Filters

	stream       Stream // nil while opening or reconnecting
	subs         map[string]*Subscription
	lastActivity time.Time
	recon        reconnector
	retryTimer   *clock.Timer
	closed       bool
}

// Subscription is one logical subscriber. Read deliveries from Events;
// the channel is closed when the subscription ends.
type Subscription struct {
	id       string
	resource string
	filters  Filters
	mode     DeliveryMode

	// clientSide is set when the subscription rides on a channel with
	// broader filters and must match events itself.
	clientSide bool

	in   chan ChangeEvent
	out  chan Delivery
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
	ch   *channel
}

func (s *Subscription) ID() string                { return s.id }
func (s *Subscription) Resource() string          { return s.resource }
func (s *Subscription) Mode() DeliveryMode        { return s.mode }
func (s *Subscription) Events() <-chan Delivery   { return s.out }
func (s *Subscription) Done() <-chan struct{}     { return s.done }

// Err reports why the subscription ended: nil for Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// push hands ev to the subscription's stage without waiting. It reports
// false when the stage buffer is full.
func (s *Subscription) push(ev ChangeEvent) bool {
	if s.clientSide && !s.filters.Match(ev.Payload) {
		return true
	}
	select {
	case s.in <- ev:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// MultiplexerOption configures a Multiplexer.
type MultiplexerOption func(*Multiplexer)

func WithMultiplexerClock(clk clock.Clock) MultiplexerOption {
	return func(m *Multiplexer) { m.clock = clk }
}

func WithMultiplexerLogger(log zerolog.Logger) MultiplexerOption {
	return func(m *Multiplexer) { m.log = log }
}

// NewMultiplexer starts a multiplexer over feed, including its
// inactivity sweep.
func NewMultiplexer(feed ChangeFeed, cfg MultiplexerConfig, opts ...MultiplexerOption) *Multiplexer {
	cfg.defaults()
	m := &Multiplexer{
		feed:     feed,
		cfg:      cfg,
		clock:    clock.Real(),
		log:      zerolog.Nop(),
		channels: make(map[string]*channel),
		subs:     make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	ticker := m.clock.NewTicker(cfg.CleanupInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.log.Debug().Int("channels", n).Msg("swept inactive channels")
				}
			}
		}
	}()
	return m
}

func channelKey(resource string, filters Filters) string {
	return resource + "?" + filters.Canonical()
}

// Subscribe registers a subscriber for changes to resource matching
// filters. ctx bounds opening the physical channel only.
func (m *Multiplexer) Subscribe(ctx context.Context, resource string, filters Filters, opts SubscribeOptions) (*Subscription, error) {
	if resource == "" {
		return nil, validationError("subscribe", "resource is required")
	}
	switch opts.Mode {
	case "", ModeDirect, ModeThrottled, ModeBatched:
	default:
		return nil, validationError("subscribe", "unknown delivery mode %q", opts.Mode)
	}
	key := channelKey(resource, filters)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMultiplexerClosed
	}

	var swept []*channel
	if len(m.channels) >= m.cfg.MaxConnections {
		swept = m.sweepLocked(m.clock.Now())
	}

	if len(m.channels) < m.cfg.MaxConnections {
		ch := &channel{
			id:           uuid.NewString(),
			key:          key,
			resource:     resource,
			filters:      filters,
			subs:         make(map[string]*Subscription),
			lastActivity: m.clock.Now(),
			recon: reconnector{
				baseDelay:   m.cfg.ReconnectDelay,
				maxDelay:    m.cfg.MaxReconnectDelay,
				maxAttempts: m.cfg.MaxReconnectAttempts,
			},
		}
		sub := m.newSubscriptionLocked(ch, resource, filters, opts, false)
		m.channels[ch.id] = ch
		m.mu.Unlock()
		m.closeChannels(swept, ErrSubscriptionInactive)

		stream, err := m.feed.Subscribe(ctx, resource, filters)

		m.mu.Lock()
		if err != nil || m.closed || ch.closed {
			m.removeChannelLocked(ch)
			m.mu.Unlock()
			if err == nil {
				stream.Close()
				err = ErrMultiplexerClosed
			}
			m.endSubs(ch, err)
			return nil, err
		}
		ch.stream = stream
		m.startPumpLocked(ch, stream)
		m.mu.Unlock()
		m.log.Debug().Str("resource", resource).Str("channel", ch.id).Msg("channel opened")
		return sub, nil
	}

	// At capacity: share an identical channel, else ride on a broader
	// channel of the same resource in throttled mode.
	var target *channel
	clientSide := false
	for _, ch := range m.sortedChannelsLocked() {
		if ch.key == key {
			target = ch
			break
		}
	}
	if target == nil {
		for _, ch := range m.sortedChannelsLocked() {
			if ch.resource == resource && filtersCover(ch.filters, filters) {
				target, clientSide = ch, true
				opts.Mode = ModeThrottled
				break
			}
		}
	}
	if target == nil {
		m.mu.Unlock()
		m.closeChannels(swept, ErrSubscriptionInactive)
		return nil, ErrConnectionLimit
	}
	sub := m.newSubscriptionLocked(target, resource, filters, opts, clientSide)
	m.mu.Unlock()
	m.closeChannels(swept, ErrSubscriptionInactive)
	m.log.Debug().Str("resource", resource).Str("channel", target.id).Bool("client_side", clientSide).Msg("subscription shared")
	return sub, nil
}

// filtersCover reports whether a channel opened with broad delivers a
// superset of what narrow selects: every broad filter appears in narrow.
func filtersCover(broad, narrow Filters) bool {
	for _, b := range broad {
		found := false
		for _, n := range narrow {
			if b == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *Multiplexer) newSubscriptionLocked(ch *channel, resource string, filters Filters, opts SubscribeOptions, clientSide bool) *Subscription {
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	if opts.ThrottleDelay <= 0 {
		opts.ThrottleDelay = m.cfg.ThrottleDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = m.cfg.BatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = m.cfg.BatchTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = m.cfg.Buffer
	}

	sub := &Subscription{
		id:         uuid.NewString(),
		resource:   resource,
		filters:    filters,
		mode:       opts.Mode,
		clientSide: clientSide,
		in:         make(chan ChangeEvent, opts.Buffer),
		out:        make(chan Delivery, opts.Buffer),
		done:       make(chan struct{}),
		ch:         ch,
	}
	st := &stage{
		mode:          opts.Mode,
		throttleDelay: opts.ThrottleDelay,
		batchSize:     opts.BatchSize,
		batchTimeout:  opts.BatchTimeout,
		clock:         m.clock,
		in:            sub.in,
		out:           sub.out,
		done:          sub.done,
	}
	ch.subs[sub.id] = sub
	m.subs[sub.id] = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		st.run()
	}()
	return sub
}

// Unsubscribe ends a subscription. The physical channel is closed once
// its last subscriber leaves. It reports whether id was known.
func (m *Multiplexer) Unsubscribe(id string) bool {
	return m.detach(id, nil)
}

func (m *Multiplexer) detach(id string, reason error) bool {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.subs, id)
	ch := sub.ch
	delete(ch.subs, id)

	var stream Stream
	if len(ch.subs) == 0 {
		stream = ch.stream
		m.removeChannelLocked(ch)
	}
	m.mu.Unlock()

	sub.end(reason)
	if stream != nil {
		stream.Close()
		m.log.Debug().Str("resource", ch.resource).Str("channel", ch.id).Msg("channel closed")
	}
	return true
}

// removeChannelLocked forgets ch and cancels its pending reconnect.
// The caller closes the stream outside the lock.
func (m *Multiplexer) removeChannelLocked(ch *channel) {
	ch.closed = true
	if ch.retryTimer != nil {
		ch.retryTimer.Stop()
		ch.retryTimer = nil
	}
	delete(m.channels, ch.id)
}

// Sweep removes channels idle for longer than InactiveThreshold and
// ends their subscriptions. It returns the number of channels removed.
func (m *Multiplexer) Sweep() int {
	m.mu.Lock()
	swept := m.sweepLocked(m.clock.Now())
	m.mu.Unlock()
	m.closeChannels(swept, ErrSubscriptionInactive)
	return len(swept)
}

func (m *Multiplexer) sweepLocked(now time.Time) []*channel {
	var swept []*channel
	for _, ch := range m.channels {
		if now.Sub(ch.lastActivity) > m.cfg.InactiveThreshold {
			swept = append(swept, ch)
		}
	}
	for _, ch := range swept {
		m.removeChannelLocked(ch)
		for id := range ch.subs {
			delete(m.subs, id)
		}
	}
	return swept
}

// closeChannels closes removed channels and ends their subscriptions.
func (m *Multiplexer) closeChannels(chs []*channel, reason error) {
	for _, ch := range chs {
		m.mu.Lock()
		stream := ch.stream
		ch.stream = nil
		m.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		m.endSubs(ch, reason)
	}
}

func (m *Multiplexer) endSubs(ch *channel, reason error) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(ch.subs))
	for id, s := range ch.subs {
		subs = append(subs, s)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.end(reason)
	}
}

// ── Pump and reconnect ──

func (m *Multiplexer) startPumpLocked(ch *channel, stream Stream) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(ch, stream)
	}()
}

func (m *Multiplexer) pump(ch *channel, stream Stream) {
	for ev := range stream.Events() {
		m.mu.Lock()
		if ch.stream != stream {
			m.mu.Unlock()
			continue
		}
		ch.lastActivity = m.clock.Now()
		targets := make([]*Subscription, 0, len(ch.subs))
		for _, s := range ch.subs {
			targets = append(targets, s)
		}
		m.mu.Unlock()

		for _, s := range targets {
			if !s.push(ev) {
				m.log.Warn().Str("resource", ch.resource).Str("subscription", s.id).Msg("subscriber lagging, dropping")
				m.detach(s.id, ErrSubscriberLagging)
			}
		}
	}

	err := stream.Err()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.closed || m.closed || ch.stream != stream {
		return
	}
	if err == nil {
		err = errors.New("stream ended")
	}
	ch.stream = nil
	m.scheduleReconnectLocked(ch, err)
}

func (m *Multiplexer) scheduleReconnectLocked(ch *channel, cause error) {
	if !ch.recon.shouldReconnect() {
		m.log.Error().Err(cause).Str("resource", ch.resource).Int("attempts", ch.recon.attempt).Msg("giving up on channel")
		m.removeChannelLocked(ch)
		subs := make([]*Subscription, 0, len(ch.subs))
		for id, s := range ch.subs {
			subs = append(subs, s)
			delete(m.subs, id)
		}
		go func() {
			for _, s := range subs {
				s.end(cause)
			}
		}()
		return
	}
	delay := ch.recon.nextDelay()
	m.log.Warn().Err(cause).Str("resource", ch.resource).Int("attempt", ch.recon.attempt).Dur("delay", delay).Msg("channel error, reconnecting")
	ch.retryTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ch.closed || m.closed {
			return
		}
		ch.retryTimer = nil
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnect(ch)
		}()
	})
}

// reconnect resubscribes ch with its original resource and filters.
func (m *Multiplexer) reconnect(ch *channel) {
	stream, err := m.feed.Subscribe(m.ctx, ch.resource, ch.filters)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.closed || m.closed {
		if err == nil {
			go stream.Close()
		}
		return
	}
	if err != nil {
		m.scheduleReconnectLocked(ch, err)
		return
	}
	ch.recon.reset()
	ch.stream = stream
	ch.lastActivity = m.clock.Now()
	m.startPumpLocked(ch, stream)
	m.log.Info().Str("resource", ch.resource).Str("channel", ch.id).Msg("channel reconnected")
}

// ── Introspection ──

// ChannelInfo describes one physical channel.
type ChannelInfo struct {
	ID           string    `json:"id"`
	Resource     string    `json:"resource"`
	Filters      string    `json:"filters"`
	Subscribers  int       `json:"subscribers"`
	Connected    bool      `json:"connected"`
	LastActivity time.Time `json:"lastActivity"`
}

// ActiveChannels returns the number of physical channels, including
// those opening or waiting to reconnect.
func (m *Multiplexer) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// SubscriptionCount returns the number of logical subscriptions.
func (m *Multiplexer) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Channels lists the physical channels ordered by resource.
func (m *Multiplexer) Channels() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelInfo, 0, len(m.channels))
	for _, ch := range m.sortedChannelsLocked() {
		out = append(out, ChannelInfo{
			ID:           ch.id,
			Resource:     ch.resource,
			Filters:      ch.filters.Canonical(),
			Subscribers:  len(ch.subs),
			Connected:    ch.stream != nil,
			LastActivity: ch.lastActivity,
		})
	}
	return out
}

func (m *Multiplexer) sortedChannelsLocked() []*channel {
	list := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		list = append(list, ch)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].key != list[j].key {
			return list[i].key < list[j].key
		}
		return list[i].id < list[j].id
	})
	return list
}

// Close unsubscribes everything, stops timers and waits for the
// multiplexer's goroutines to exit.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chs := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	for _, ch := range chs {
		m.removeChannelLocked(ch)
	}
	m.mu.Unlock()

	m.cancel()
	m.closeChannels(chs, ErrMultiplexerClosed)
	m.wg.Wait()
	return nil
}
