package nexasync

import (
	"time"

	"github.com/nexa-social/nexasync/clock"
)

// DeliveryMode selects how a subscription hands events to its reader.
type DeliveryMode string

const (
	// ModeDirect delivers every event on its own.
	ModeDirect DeliveryMode = "direct"
	// ModeThrottled delivers at most once per ThrottleDelay; events in
	// between are coalesced into the latest one.
	ModeThrottled DeliveryMode = "throttled"
	// ModeBatched queues events and flushes them grouped by
	// (resource, kind) when BatchSize is reached or BatchTimeout
	// elapses since the first queued event.
	ModeBatched DeliveryMode = "batched"
)

// Delivery is what a subscriber receives. Direct deliveries carry one
// event. Throttled deliveries carry the latest event and Count is the
// number of events it stands for. Batched deliveries carry one group.
type Delivery struct {
	Resource string        `json:"resource"`
	Kind     EventKind     `json:"kind"`
	Events   []ChangeEvent `json:"events"`
	Count    int           `json:"count"`
}

// Latest returns the newest event in the delivery.
func (d Delivery) Latest() ChangeEvent {
	if len(d.Events) == 0 {
		return ChangeEvent{}
	}
	return d.Events[len(d.Events)-1]
}

// stage moves events from in to out according to the subscription's
// mode until done is closed, then closes out.
type stage struct {
	mode          DeliveryMode
	throttleDelay time.Duration
	batchSize     int
	batchTimeout  time.Duration
	clock         clock.Clock

	in   <-chan ChangeEvent
	out  chan<- Delivery
	done <-chan struct{}
}

func (s *stage) run() {
	defer close(s.out)
	switch s.mode {
	case ModeThrottled:
		s.runThrottled()
	case ModeBatched:
		s.runBatched()
	default:
		s.runDirect()
	}
}

func (s *stage) emit(d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-s.done:
		return false
	}
}

func (s *stage) runDirect() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.in:
			if !s.emit(single(ev, 1)) {
				return
			}
		}
	}
}

// runThrottled delivers the first event of a quiet period at once, then
// opens a window of throttleDelay. Events arriving inside the window
// replace each other; the survivor is delivered when the window closes
// and a new window starts.
func (s *stage) runThrottled() {
	var (
		window  <-chan time.Time
		latest  ChangeEvent
		pending int
	)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.in:
			if window == nil {
				if !s.emit(single(ev, 1)) {
					return
				}
				window = s.clock.After(s.throttleDelay)
				continue
			}
			latest = ev
			pending++
		case <-window:
			if pending == 0 {
				window = nil
				continue
			}
			if !s.emit(single(latest, pending)) {
				return
			}
			pending = 0
			window = s.clock.After(s.throttleDelay)
		}
	}
}

func (s *stage) runBatched() {
	var (
		queue []ChangeEvent
		timer <-chan time.Time
	)
	flush := func() bool {
		batch := queue
		queue, timer = nil, nil
		for _, d := range groupEvents(batch) {
			if !s.emit(d) {
				return false
			}
		}
		return true
	}
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.in:
			queue = append(queue, ev)
			if len(queue) == 1 {
				timer = s.clock.After(s.batchTimeout)
			}
			if len(queue) >= s.batchSize && !flush() {
				return
			}
		case <-timer:
			if !flush() {
				return
			}
		}
	}
}

func single(ev ChangeEvent, count int) Delivery {
	return Delivery{Resource: ev.Resource, Kind: ev.Kind, Events: []ChangeEvent{ev}, Count: count}
}

// groupEvents splits a batch by (resource, kind). Groups come out in
// order of first appearance and keep insertion order inside.
func groupEvents(events []ChangeEvent) []Delivery {
	type groupKey struct {
		resource string
		kind     EventKind
	}
	index := make(map[groupKey]int)
	var groups []Delivery
	for _, ev := range events {
		k := groupKey{ev.Resource, ev.Kind}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Delivery{Resource: ev.Resource, Kind: ev.Kind})
		}
		groups[i].Events = append(groups[i].Events, ev)
		groups[i].Count++
	}
	return groups
}
