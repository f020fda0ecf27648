package nexasync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Query model
// ============================================================================

// FilterOp is a comparison operator understood by every store.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpIn  FilterOp = "in" // Value is a comma separated list
)

// Filter restricts a query or subscription to rows whose Field
// compares to Value. Field is a gjson path into the row payload.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value string   `json:"value"`
}

func Eq(field, value string) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

func (f Filter) String() string { return f.Field + "=" + string(f.Op) + "." + f.Value }

// Filters is a conjunction of filters.
type Filters []Filter

// Canonical returns a stable text form: the same set of filters in any
// order yields the same string.
func (fs Filters) Canonical() string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Value returns the value of the first eq filter on field.
func (fs Filters) Value(field string) (string, bool) {
	for _, f := range fs {
		if f.Field == field && f.Op == OpEq {
			return f.Value, true
		}
	}
	return "", false
}

// Match evaluates the filters against a JSON row.
func (fs Filters) Match(row json.RawMessage) bool {
	for _, f := range fs {
		if !f.match(gjson.GetBytes(row, f.Field)) {
			return false
		}
	}
	return true
}

func (f Filter) match(v gjson.Result) bool {
	if f.Op == OpIn {
		for _, want := range strings.Split(f.Value, ",") {
			if v.Exists() && v.String() == strings.TrimSpace(want) {
				return true
			}
		}
		return false
	}
	if !v.Exists() {
		return f.Op == OpNeq
	}
	c := compareValues(v, f.Value)
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func compareValues(v gjson.Result, want string) int {
	if v.Type == gjson.Number {
		if w, err := strconv.ParseFloat(want, 64); err == nil {
			switch {
			case v.Float() < w:
				return -1
			case v.Float() > w:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(v.String(), want)
}

// Sort orders a query by one field.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

func (s Sort) String() string {
	if s.Field == "" {
		return ""
	}
	if s.Desc {
		return s.Field + ".desc"
	}
	return s.Field + ".asc"
}

// Query selects one page of a resource.
type Query struct {
	Resource string  `json:"resource"`
	Filters  Filters `json:"filters,omitempty"`
	Sort     Sort    `json:"sort"`
	PageSize int     `json:"pageSize"`

	// Cursor is the identity of the last row already held; Offset is
	// the number of rows already held. Stores use whichever they
	// support.
	Cursor string `json:"cursor,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Page is one page of results. Total is nil when the store did not
// report a count.
type Page[T any] struct {
	Items []T
	Total *int
}

// ============================================================================
// Store interfaces
// ============================================================================

// ResourceStore is the remote CRUD surface.
type ResourceStore interface {
	Select(ctx context.Context, q Query) (Page[json.RawMessage], error)
	Insert(ctx context.Context, resource string, row any) (json.RawMessage, error)
	Update(ctx context.Context, resource string, filters Filters, patch any) (json.RawMessage, error)
	Delete(ctx context.Context, resource string, filters Filters) error
}

// EventKind is the type of a change event.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// ParseEventKind accepts the spellings used by the supported backends.
func ParseEventKind(s string) (EventKind, bool) {
	switch strings.ToUpper(s) {
	case "INSERT", "CREATE", "MESSAGE.NEW":
		return EventInsert, true
	case "UPDATE", "EDIT", "MESSAGE.EDIT":
		return EventUpdate, true
	case "DELETE", "REMOVE", "MESSAGE.DELETE":
		return EventDelete, true
	}
	return "", false
}

// ChangeEvent is one change pushed by a change feed.
type ChangeEvent struct {
	Kind       EventKind       `json:"kind"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload"`
	ObservedAt time.Time       `json:"observedAt"`
}

// Stream is one physical change subscription. Events is closed when the
// stream ends; a non-nil Err after that means the channel failed.
type Stream interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// ChangeFeed opens change subscriptions.
type ChangeFeed interface {
	Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error)
}

// ============================================================================
// Channel-backed stream shared by the feed implementations
// ============================================================================

type chanStream struct {
	events chan ChangeEvent
	done   chan struct{}

	// sendMu is held shared by senders and exclusively while closing
	// events, so no send can race the close.
	sendMu sync.RWMutex

	mu     sync.Mutex
	err    error
	closed bool
	onStop func()
}

func newChanStream(buffer int, onStop func()) *chanStream {
	return &chanStream{
		events: make(chan ChangeEvent, buffer),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

func (s *chanStream) Events() <-chan ChangeEvent { return s.events }

func (s *chanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chanStream) Close() error {
	s.finish(nil)
	return nil
}

// send delivers ev unless the stream has been closed.
func (s *chanStream) send(ev ChangeEvent) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// trySend is send without waiting for buffer space. It reports false
// when the buffer is full or the stream has ended.
func (s *chanStream) trySend(ev ChangeEvent) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// finish ends the stream once, recording err as the cause.
func (s *chanStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	onStop := s.onStop
	s.mu.Unlock()

	close(s.done)
	if onStop != nil {
		onStop()
	}
	s.sendMu.Lock()
	close(s.events)
	s.sendMu.Unlock()
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process ResourceStore and
// ChangeFeed. Rows are JSON objects identified by their "id" field.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    map[string][]json.RawMessage
	streams map[*memStream]struct{}
	seq     int
	now     func() time.Time

	selects  int
	failures []error
}

type memStream struct {
	*chanStream
	resource string
	filters  Filters
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string][]json.RawMessage),
		streams: make(map[*memStream]struct{}),
		now:     time.Now,
	}
}

// Seed replaces the rows of resource without emitting change events.
func (s *MemoryStore) Seed(resource string, rows ...any) error {
	encoded := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		encoded = append(encoded, b)
	}
	s.mu.Lock()
	s.rows[resource] = encoded
	s.mu.Unlock()
	return nil
}

// FailNext makes the next len(errs) operations fail with errs in order.
func (s *MemoryStore) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

// SelectCount returns the number of Select calls served.
func (s *MemoryStore) SelectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selects
}

// Len returns the number of rows in resource.
func (s *MemoryStore) Len(resource string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[resource])
}

func (s *MemoryStore) takeFailureLocked() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *MemoryStore) Select(ctx context.Context, q Query) (Page[json.RawMessage], error) {
	if err := ctx.Err(); err != nil {
		return Page[json.RawMessage]{}, err
	}
	s.mu.Lock()
	s.selects++
	if err := s.takeFailureLocked(); err != nil {
		s.mu.Unlock()
		return Page[json.RawMessage]{}, err
	}
	var matched []json.RawMessage
	for _, row := range s.rows[q.Resource] {
		if q.Filters.Match(row) {
			matched = append(matched, row)
		}
	}
	s.mu.Unlock()

	if q.Sort.Field != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(gjson.GetBytes(matched[i], q.Sort.Field), gjson.GetBytes(matched[j], q.Sort.Field).String())
			if q.Sort.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	total := len(matched)

	start := q.Offset
	if q.Cursor != "" {
		for i, row := range matched {
			if gjson.GetBytes(row, "id").String() == q.Cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	matched = matched[start:]
	if q.PageSize > 0 && len(matched) > q.PageSize {
		matched = matched[:q.PageSize]
	}
	return Page[json.RawMessage]{Items: matched, Total: &total}, nil
}

func (s *MemoryStore) Insert(ctx context.Context, resource string, row any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, validationError("insert", "encode row: %v", err)
	}
	s.mu.Lock()
	if err := s.takeFailureLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !gjson.GetBytes(b, "id").Exists() {
		s.seq++
		b, err = setJSONField(b, "id", fmt.Sprintf("%s-%d", resource, s.seq))
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.rows[resource] = append(s.rows[resource], b)
	s.mu.Unlock()

	s.publish(resource, EventInsert, b)
	return b, nil
}

func (s *MemoryStore) Update(ctx context.Context, resource string, filters Filters, patch any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pb, err := json.Marshal(patch)
	if err != nil {
		return nil, validationError("update", "encode patch: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(pb, &fields); err != nil {
		return nil, validationError("update", "patch must be an object")
	}

	s.mu.Lock()
	if err := s.takeFailureLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var last json.RawMessage
	var changed []json.RawMessage
	rows := s.rows[resource]
	for i, row := range rows {
		if !filters.Match(row) {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(row, &obj); err != nil {
			continue
		}
		for k, v := range fields {
			obj[k] = v
		}
		updated, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		rows[i] = updated
		last = updated
		changed = append(changed, updated)
	}
	s.mu.Unlock()

	for _, row := range changed {
		s.publish(resource, EventUpdate, row)
	}
	return last, nil
}

func (s *MemoryStore) Delete(ctx context.Context, resource string, filters Filters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.takeFailureLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var kept, removed []json.RawMessage
	for _, row := range s.rows[resource] {
		if filters.Match(row) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	s.rows[resource] = kept
	s.mu.Unlock()

	for _, row := range removed {
		s.publish(resource, EventDelete, row)
	}
	return nil
}

// Subscribe opens an in-process change stream.
func (s *MemoryStore) Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailureLocked(); err != nil {
		return nil, err
	}
	ms := &memStream{resource: resource, filters: filters}
	ms.chanStream = newChanStream(64, func() {
		s.mu.Lock()
		delete(s.streams, ms)
		s.mu.Unlock()
	})
	s.streams[ms] = struct{}{}
	return ms, nil
}

// StreamCount returns the number of open streams.
func (s *MemoryStore) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// Emit pushes an event to matching streams without touching the rows.
func (s *MemoryStore) Emit(resource string, kind EventKind, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.publish(resource, kind, b)
	return nil
}

// BreakStreams ends every open stream on resource with err.
func (s *MemoryStore) BreakStreams(resource string, err error) {
	s.mu.RLock()
	var targets []*memStream
	for ms := range s.streams {
		if ms.resource == resource {
			targets = append(targets, ms)
		}
	}
	s.mu.RUnlock()
	for _, ms := range targets {
		ms.finish(err)
	}
}

func (s *MemoryStore) publish(resource string, kind EventKind, row json.RawMessage) {
	s.mu.RLock()
	var targets []*memStream
	for ms := range s.streams {
		if ms.resource == resource && ms.filters.Match(row) {
			targets = append(targets, ms)
		}
	}
	now := s.now()
	s.mu.RUnlock()

	for _, ms := range targets {
		ms.send(ChangeEvent{Kind: kind, Resource: resource, Payload: row, ObservedAt: now})
	}
}

func setJSONField(row json.RawMessage, field string, value any) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(row, &obj); err != nil {
		return nil, validationError("insert", "row must be an object")
	}
	obj[field] = value
	return json.Marshal(obj)
}
