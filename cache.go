package nexasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/nexa-social/nexasync/clock"
)

// ============================================================================
// Configuration
// ============================================================================

// CacheConfig tunes a Cache. Zero fields take the defaults.
type CacheConfig struct {
	PageSize          int
	MaxCacheSize      int
	PrefetchThreshold int
	CacheDuration     time.Duration

	// ThrottleDelay is the minimum spacing between two requests for
	// the same key. Negative disables spacing.
	ThrottleDelay time.Duration

	PrefetchDelay   time.Duration
	RefreshInterval time.Duration
	RefreshBatch    int
	RequestTimeout  time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		PageSize:          20,
		MaxCacheSize:      50,
		PrefetchThreshold: 2,
		CacheDuration:     5 * time.Minute,
		ThrottleDelay:     300 * time.Millisecond,
		PrefetchDelay:     500 * time.Millisecond,
		RefreshInterval:   time.Minute,
		RefreshBatch:      5,
		RequestTimeout:    30 * time.Second,
	}
}

func (c *CacheConfig) defaults() {
	def := DefaultCacheConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = def.MaxCacheSize
	}
	if c.PrefetchThreshold <= 0 {
		c.PrefetchThreshold = def.PrefetchThreshold
	}
	if c.CacheDuration <= 0 {
		c.CacheDuration = def.CacheDuration
	}
	if c.ThrottleDelay == 0 {
		c.ThrottleDelay = def.ThrottleDelay
	}
	if c.PrefetchDelay <= 0 {
		c.PrefetchDelay = def.PrefetchDelay
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.RefreshBatch <= 0 {
		c.RefreshBatch = def.RefreshBatch
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
}

// ============================================================================
// Types
// ============================================================================

// Loader fetches one page of a query.
type Loader[T any] interface {
	Load(ctx context.Context, q Query) (Page[T], error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[T any] func(ctx context.Context, q Query) (Page[T], error)

func (f LoaderFunc[T]) Load(ctx context.Context, q Query) (Page[T], error) { return f(ctx, q) }

// StoreLoader loads pages from a ResourceStore and decodes each row
// into T.
func StoreLoader[T any](store ResourceStore) Loader[T] {
	return LoaderFunc[T](func(ctx context.Context, q Query) (Page[T], error) {
		raw, err := store.Select(ctx, q)
		if err != nil {
			return Page[T]{}, err
		}
		items := make([]T, 0, len(raw.Items))
		for _, row := range raw.Items {
			var item T
			if err := json.Unmarshal(row, &item); err != nil {
				return Page[T]{}, &Error{Kind: KindValidation, Op: "load " + q.Resource, Message: "decode row", Err: err}
			}
			items = append(items, item)
		}
		return Page[T]{Items: items, Total: raw.Total}, nil
	})
}

// JSONIdentity returns an identity function reading field from raw rows.
func JSONIdentity(field string) func(json.RawMessage) string {
	return func(row json.RawMessage) string { return gjson.GetBytes(row, field).String() }
}

// CacheEntry is a cached, ordered result set. Items keep fetch order.
type CacheEntry[T any] struct {
	Query     Query
	Items     []T
	Timestamp time.Time
	HasMore   bool
	Cursor    string
	Total     *int

	// offset counts rows fetched from the store, which can exceed
	// len(Items) once duplicates are dropped.
	offset int
}

func (e *CacheEntry[T]) snapshot() CacheEntry[T] {
	cp := *e
	cp.Items = append([]T(nil), e.Items...)
	return cp
}

// LoadingState is the ephemeral per-key load status.
type LoadingState struct {
	IsLoading     bool
	IsLoadingMore bool
	LastError     error
	HasMore       bool
	CurrentPage   int
}

// Result is what LoadData and LoadMore return.
type Result[T any] struct {
	Items   []T
	HasMore bool
	Total   *int
}

// CacheStats is the monitoring surface of a Cache.
type CacheStats struct {
	Entries    int `json:"entries"`
	InFlight   int `json:"inFlight"`
	Prefetched int `json:"prefetched"`
	MaxSize    int `json:"maxSize"`
}

type call[T any] struct {
	done    chan struct{}
	res     Result[T]
	err     error
	discard bool
}

type prefetchedPage[T any] struct {
	cursor string
	offset int
	page   Page[T]
}

// CacheKey derives the cache key of a query from its resource, filters,
// sort and page size. Cursor and offset do not take part.
func CacheKey(q Query) string {
	canon := q.Resource + "|" + q.Filters.Canonical() + "|" + q.Sort.String() + "|" + strconv.Itoa(q.PageSize)
	return fmt.Sprintf("%s:%016x", q.Resource, xxhash.Sum64String(canon))
}

func prefetchKey(key string) string { return key + ":prefetch" }
func moreKey(key string) string     { return key + ":more" }

// ============================================================================
// Cache
// ============================================================================

// Cache is a paginated read-through cache with TTL validity,
// single-flight loads, oldest-first eviction, next-page prefetch and
// background refresh of stale entries. It is safe for concurrent use.
type Cache[T any] struct {
	loader   Loader[T]
	identity func(T) string
	cfg      CacheConfig
	clock    clock.Clock
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	entries    map[string]*CacheEntry[T]
	loading    map[string]*LoadingState
	inflight   map[string]*call[T]
	limiters   map[string]*rate.Limiter
	prefetched map[string]*prefetchedPage[T]
	timers     map[string]*clock.Timer
	closed     bool
}

// CacheOption configures a Cache.
type CacheOption func(*cacheSettings)

type cacheSettings struct {
	clock clock.Clock
	log   zerolog.Logger
}

func WithCacheClock(clk clock.Clock) CacheOption {
	return func(s *cacheSettings) { s.clock = clk }
}

func WithCacheLogger(log zerolog.Logger) CacheOption {
	return func(s *cacheSettings) { s.log = log }
}

// NewCache returns a cache over loader and starts its refresh loop.
// identity, when non-nil, names items for cursors and for dropping
// duplicates in LoadMore.
func NewCache[T any](loader Loader[T], cfg CacheConfig, identity func(T) string, opts ...CacheOption) *Cache[T] {
	cfg.defaults()
	s := cacheSettings{clock: clock.Real(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}
	c := &Cache[T]{
		loader:     loader,
		identity:   identity,
		cfg:        cfg,
		clock:      s.clock,
		log:        s.log,
		entries:    make(map[string]*CacheEntry[T]),
		loading:    make(map[string]*LoadingState),
		inflight:   make(map[string]*call[T]),
		limiters:   make(map[string]*rate.Limiter),
		prefetched: make(map[string]*prefetchedPage[T]),
		timers:     make(map[string]*clock.Timer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ticker := c.clock.NewTicker(cfg.RefreshInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(c.ctx)
			}
		}
	}()
	return c
}

// Config returns the effective configuration.
func (c *Cache[T]) Config() CacheConfig { return c.cfg }

func (c *Cache[T]) normalize(q Query) Query {
	if q.PageSize <= 0 {
		q.PageSize = c.cfg.PageSize
	}
	q.Cursor, q.Offset = "", 0
	return q
}

func (c *Cache[T]) validLocked(e *CacheEntry[T], now time.Time) bool {
	return now.Sub(e.Timestamp) < c.cfg.CacheDuration
}

func (c *Cache[T]) stateLocked(key string) *LoadingState {
	st, ok := c.loading[key]
	if !ok {
		st = &LoadingState{}
		c.loading[key] = st
	}
	return st
}

// LoadData returns the first page of q: the in-flight request for the
// same key if one exists, else a valid cached entry, else a fresh load.
func (c *Cache[T]) LoadData(ctx context.Context, q Query) (Result[T], error) {
	if q.Resource == "" {
		return Result[T]{}, validationError("loadData", "resource is required")
	}
	q = c.normalize(q)
	key := CacheKey(q)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result[T]{}, ErrCacheClosed
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return wait(ctx, cl)
	}
	if e, ok := c.entries[key]; ok && c.validLocked(e, c.clock.Now()) {
		res := Result[T]{Items: append([]T(nil), e.Items...), HasMore: e.HasMore, Total: e.Total}
		c.mu.Unlock()
		return res, nil
	}
	cl := c.startLocked(key, q)
	c.mu.Unlock()
	return wait(ctx, cl)
}

func wait[T any](ctx context.Context, cl *call[T]) (Result[T], error) {
	select {
	case <-cl.done:
		if cl.err != nil {
			return Result[T]{}, cl.err
		}
		return Result[T]{Items: append([]T(nil), cl.res.Items...), HasMore: cl.res.HasMore, Total: cl.res.Total}, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// startLocked registers and launches a first-page load for key.
func (c *Cache[T]) startLocked(key string, q Query) *call[T] {
	cl := &call[T]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.stateLocked(key).IsLoading = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		page, err := c.fetch(key, q)
		c.finishLoad(key, q, cl, page, err)
	}()
	return cl
}

func (c *Cache[T]) finishLoad(key string, q Query, cl *call[T], page Page[T], err error) {
	c.mu.Lock()
	defer close(cl.done)
	defer c.mu.Unlock()

	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	if st, ok := c.loading[key]; ok {
		st.IsLoading = false
		st.LastError = err
	}
	if err != nil {
		cl.err = err
		c.log.Debug().Err(err).Str("key", key).Msg("load failed")
		return
	}

	hasMore := len(page.Items) == q.PageSize
	cl.res = Result[T]{Items: page.Items, HasMore: hasMore, Total: page.Total}
	if cl.discard || c.closed {
		return
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxCacheSize {
		c.evictLocked()
	}
	e := &CacheEntry[T]{
		Query:     q,
		Items:     page.Items,
		Timestamp: c.clock.Now(),
		HasMore:   hasMore,
		Cursor:    c.cursorOf(page.Items, len(page.Items)),
		Total:     page.Total,
		offset:    len(page.Items),
	}
	c.entries[key] = e
	delete(c.prefetched, prefetchKey(key))

	st := c.stateLocked(key)
	st.HasMore = hasMore
	st.CurrentPage = 1
	c.maybePrefetchLocked(key, e, st)
}

func (c *Cache[T]) cursorOf(items []T, offset int) string {
	if c.identity != nil && len(items) > 0 {
		return c.identity(items[len(items)-1])
	}
	return strconv.Itoa(offset)
}

// fetch applies per-key spacing and the request timeout around one
// loader call. It is detached from callers: only Close cancels it.
func (c *Cache[T]) fetch(key string, q Query) (Page[T], error) {
	if delay := c.reserve(key); delay > 0 {
		if err := waitWithContext(c.ctx, c.clock, delay); err != nil {
			return Page[T]{}, err
		}
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.loader.Load(ctx, q)
}

func (c *Cache[T]) reserve(key string) time.Duration {
	if c.cfg.ThrottleDelay < 0 {
		return 0
	}
	c.mu.Lock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.ThrottleDelay), 1)
		c.limiters[key] = lim
	}
	c.mu.Unlock()
	now := c.clock.Now()
	return lim.ReserveN(now, 1).DelayFrom(now)
}

// evictLocked drops the oldest quarter of the entries (at least one)
// together with their loading state, spacing and prefetch data.
func (c *Cache[T]) evictLocked() {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := c.entries[keys[i]].Timestamp, c.entries[keys[j]].Timestamp
		if ti.Equal(tj) {
			return keys[i] < keys[j]
		}
		return ti.Before(tj)
	})
	n := max(1, c.cfg.MaxCacheSize/4)
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		c.dropLocked(k)
		delete(c.limiters, k)
	}
	c.log.Debug().Int("evicted", n).Msg("cache evicted oldest entries")
}

// dropLocked forgets key. Request spacing survives so that clearing
// cannot be used to hammer the store.
func (c *Cache[T]) dropLocked(key string) {
	delete(c.entries, key)
	delete(c.loading, key)
	delete(c.prefetched, prefetchKey(key))
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
	for _, k := range []string{key, moreKey(key), prefetchKey(key)} {
		if cl, ok := c.inflight[k]; ok {
			cl.discard = true
		}
	}
}

// ── LoadMore and prefetch ──

// ErrCacheClosed is returned by loads after Close.
var ErrCacheClosed = errors.New("cache closed")

// LoadMore fetches the page after the cached entry for q and appends
// it. It requires a prior LoadData. The returned Items are the whole
// entry after the append. When a prefetched page matches the entry's
// cursor it is used without a network call. With an identity function
// set, items already present are dropped (first occurrence wins).
func (c *Cache[T]) LoadMore(ctx context.Context, q Query) (Result[T], error) {
	q = c.normalize(q)
	key := CacheKey(q)

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Result[T]{}, ErrCacheClosed
		}
		e, ok := c.entries[key]
		if !ok {
			c.mu.Unlock()
			return Result[T]{}, validationError("loadMore", "no cached entry for %s; call LoadData first", q.Resource)
		}
		if !e.HasMore {
			res := Result[T]{Items: append([]T(nil), e.Items...), HasMore: false, Total: e.Total}
			c.mu.Unlock()
			return res, nil
		}
		if cl, ok := c.inflight[moreKey(key)]; ok {
			c.mu.Unlock()
			return wait(ctx, cl)
		}
		// A prefetch for this cursor is running: let it land, then
		// consume it on the next pass.
		if cl, ok := c.inflight[prefetchKey(key)]; ok {
			c.mu.Unlock()
			select {
			case <-cl.done:
				continue
			case <-ctx.Done():
				return Result[T]{}, ctx.Err()
			}
		}

		cl := &call[T]{done: make(chan struct{})}
		c.inflight[moreKey(key)] = cl
		st := c.stateLocked(key)
		st.IsLoadingMore = true

		if pf, ok := c.prefetched[prefetchKey(key)]; ok && pf.cursor == e.Cursor && pf.offset == e.offset {
			delete(c.prefetched, prefetchKey(key))
			c.log.Debug().Str("key", key).Msg("serving prefetched page")
			c.mu.Unlock()
			c.finishMore(key, q, e, cl, pf.page, nil)
			return wait(ctx, cl)
		}

		next := q
		next.Cursor, next.Offset = e.Cursor, e.offset
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			page, err := c.fetch(key, next)
			c.finishMore(key, q, e, cl, page, err)
		}()
		return wait(ctx, cl)
	}
}

func (c *Cache[T]) finishMore(key string, q Query, e *CacheEntry[T], cl *call[T], page Page[T], err error) {
	c.mu.Lock()
	defer close(cl.done)
	defer c.mu.Unlock()

	if c.inflight[moreKey(key)] == cl {
		delete(c.inflight, moreKey(key))
	}
	st := c.loading[key]
	if st != nil {
		st.IsLoadingMore = false
		st.LastError = err
	}
	if err != nil {
		cl.err = err
		return
	}

	hasMore := len(page.Items) == q.PageSize
	// The entry may have been cleared, evicted or refreshed meanwhile.
	if cl.discard || c.closed || c.entries[key] != e {
		cl.res = Result[T]{Items: page.Items, HasMore: hasMore, Total: page.Total}
		return
	}

	e.Items = c.appendUnique(e.Items, page.Items)
	e.offset += len(page.Items)
	e.Cursor = c.cursorOf(page.Items, e.offset)
	e.HasMore = hasMore
	if page.Total != nil {
		e.Total = page.Total
	}
	cl.res = Result[T]{Items: append([]T(nil), e.Items...), HasMore: e.HasMore, Total: e.Total}

	if st == nil {
		st = c.stateLocked(key)
	}
	st.HasMore = hasMore
	st.CurrentPage++
	c.maybePrefetchLocked(key, e, st)
}

func (c *Cache[T]) appendUnique(have, more []T) []T {
	if c.identity == nil {
		return append(have, more...)
	}
	seen := make(map[string]struct{}, len(have))
	for _, it := range have {
		seen[c.identity(it)] = struct{}{}
	}
	for _, it := range more {
		id := c.identity(it)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		have = append(have, it)
	}
	return have
}

// maybePrefetchLocked schedules a load of the page after e once the
// caller has paged PrefetchThreshold times.
func (c *Cache[T]) maybePrefetchLocked(key string, e *CacheEntry[T], st *LoadingState) {
	if !e.HasMore || st.CurrentPage < c.cfg.PrefetchThreshold {
		return
	}
	if _, ok := c.timers[key]; ok {
		return
	}
	if _, ok := c.inflight[prefetchKey(key)]; ok {
		return
	}
	if pf, ok := c.prefetched[prefetchKey(key)]; ok && pf.offset == e.offset {
		return
	}
	c.timers[key] = c.clock.AfterFunc(c.cfg.PrefetchDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.prefetch(key, e)
		}()
	})
}

func (c *Cache[T]) prefetch(key string, e *CacheEntry[T]) {
	c.mu.Lock()
	delete(c.timers, key)
	if c.closed || c.entries[key] != e || !e.HasMore {
		c.mu.Unlock()
		return
	}
	next := e.Query
	next.Cursor, next.Offset = e.Cursor, e.offset
	cl := &call[T]{done: make(chan struct{})}
	c.inflight[prefetchKey(key)] = cl
	c.mu.Unlock()

	page, err := c.fetch(key, next)

	c.mu.Lock()
	defer close(cl.done)
	defer c.mu.Unlock()
	if c.inflight[prefetchKey(key)] == cl {
		delete(c.inflight, prefetchKey(key))
	}
	if err != nil {
		cl.err = err
		c.log.Warn().Err(err).Str("key", key).Msg("prefetch failed")
		return
	}
	if cl.discard || c.closed || c.entries[key] != e {
		return
	}
	c.prefetched[prefetchKey(key)] = &prefetchedPage[T]{cursor: next.Cursor, offset: next.Offset, page: page}
}

// ── Background refresh ──

// Refresh reloads up to RefreshBatch stale entries, oldest first, and
// returns how many were reloaded. Failures are logged, never returned.
func (c *Cache[T]) Refresh(ctx context.Context) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	now := c.clock.Now()
	var stale []*CacheEntry[T]
	for k, e := range c.entries {
		if _, busy := c.inflight[k]; busy {
			continue
		}
		if !c.validLocked(e, now) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Timestamp.Before(stale[j].Timestamp) })
	if len(stale) > c.cfg.RefreshBatch {
		stale = stale[:c.cfg.RefreshBatch]
	}
	calls := make([]*call[T], 0, len(stale))
	for _, e := range stale {
		calls = append(calls, c.startLocked(CacheKey(e.Query), e.Query))
	}
	c.mu.Unlock()

	refreshed := 0
	for i, cl := range calls {
		if _, err := wait(ctx, cl); err != nil {
			c.log.Warn().Err(err).Str("resource", stale[i].Query.Resource).Msg("background refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed
}

// ── Direct access ──

// Get returns a copy of the cached entry for q, valid or not.
func (c *Cache[T]) Get(q Query) (CacheEntry[T], bool) {
	key := CacheKey(c.normalize(q))
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return CacheEntry[T]{}, false
	}
	return e.snapshot(), true
}

// State returns the loading state for q.
func (c *Cache[T]) State(q Query) (LoadingState, bool) {
	key := CacheKey(c.normalize(q))
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.loading[key]
	if !ok {
		return LoadingState{}, false
	}
	return *st, true
}

// Mutate applies fn to the cached items of q in place, for merging
// realtime pushes or optimistic writes. It reports whether an entry
// existed. The entry's timestamp is left alone.
func (c *Cache[T]) Mutate(q Query, fn func(items []T) []T) bool {
	key := CacheKey(c.normalize(q))
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.Items = fn(e.Items)
	return true
}

// MutateResource applies fn to every entry of resource and returns the
// number of entries touched.
func (c *Cache[T]) MutateResource(resource string, fn func(q Query, items []T) []T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Query.Resource == resource {
			e.Items = fn(e.Query, e.Items)
			n++
		}
	}
	return n
}

// InvalidateResource drops every entry of resource. In-flight loads for
// them finish without being stored.
func (c *Cache[T]) InvalidateResource(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.Query.Resource == resource {
			c.dropLocked(k)
			n++
		}
	}
	return n
}

// Clear removes the given keys, or everything when none are given.
// Loads in flight for cleared keys are not stored when they land.
func (c *Cache[T]) Clear(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		for k := range c.entries {
			keys = append(keys, k)
		}
		for k := range c.inflight {
			c.inflight[k].discard = true
		}
	}
	for _, k := range keys {
		c.dropLocked(k)
	}
}

// Stats reports cache size and in-flight requests.
func (c *Cache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:    len(c.entries),
		InFlight:   len(c.inflight),
		Prefetched: len(c.prefetched),
		MaxSize:    c.cfg.MaxCacheSize,
	}
}

// Close stops the refresh loop and prefetch timers, cancels in-flight
// loads and waits for them to return.
func (c *Cache[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for k, t := range c.timers {
		t.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
