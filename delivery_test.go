package nexasync

import (
	"testing"
	"time"

	"github.com/nexa-social/nexasync/clock"
)

func testEvent(kind EventKind, resource, id string) ChangeEvent {
	return ChangeEvent{Kind: kind, Resource: resource, Payload: []byte(`{"id":"` + id + `"}`)}
}

func TestGroupEvents(t *testing.T) {
	groups := groupEvents([]ChangeEvent{
		testEvent(EventInsert, "messages", "1"),
		testEvent(EventUpdate, "messages", "2"),
		testEvent(EventInsert, "conversations", "3"),
		testEvent(EventInsert, "messages", "4"),
		testEvent(EventUpdate, "messages", "5"),
	})

	want := []struct {
		resource string
		kind     EventKind
		ids      []string
	}{
		{"messages", EventInsert, []string{"1", "4"}},
		{"messages", EventUpdate, []string{"2", "5"}},
		{"conversations", EventInsert, []string{"3"}},
	}
	if len(groups) != len(want) {
		t.Fatalf("got %d groups, want %d", len(groups), len(want))
	}
	for i, w := range want {
		g := groups[i]
		if g.Resource != w.resource || g.Kind != w.kind || g.Count != len(w.ids) {
			t.Errorf("group %d = %s/%s count %d", i, g.Resource, g.Kind, g.Count)
			continue
		}
		for j, id := range w.ids {
			if got := string(g.Events[j].Payload); got != `{"id":"`+id+`"}` {
				t.Errorf("group %d event %d = %s, want id %s", i, j, got, id)
			}
		}
	}
}

func TestThrottledStageCoalesces(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	in := make(chan ChangeEvent) // unbuffered: a send returns once the stage took the event
	out := make(chan Delivery, 8)
	done := make(chan struct{})
	st := &stage{mode: ModeThrottled, throttleDelay: time.Second, clock: clk, in: in, out: out, done: done}
	go st.run()
	defer close(done)

	in <- testEvent(EventInsert, "messages", "1")
	first := <-out
	if first.Count != 1 || string(first.Latest().Payload) != `{"id":"1"}` {
		t.Fatalf("leading delivery = %+v", first)
	}

	clk.WaitForTimers(1)
	in <- testEvent(EventUpdate, "messages", "2")
	in <- testEvent(EventUpdate, "messages", "3")
	in <- testEvent(EventUpdate, "messages", "4")

	select {
	case d := <-out:
		t.Fatalf("delivered inside the window: %+v", d)
	default:
	}

	clk.Advance(time.Second)
	trailing := <-out
	if trailing.Count != 3 || string(trailing.Latest().Payload) != `{"id":"4"}` {
		t.Fatalf("trailing delivery = %+v", trailing)
	}
}

func TestBatchedStageFlushesOnSize(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	in := make(chan ChangeEvent)
	out := make(chan Delivery, 8)
	done := make(chan struct{})
	st := &stage{mode: ModeBatched, batchSize: 2, batchTimeout: time.Minute, clock: clk, in: in, out: out, done: done}
	go st.run()

	in <- testEvent(EventInsert, "messages", "1")
	in <- testEvent(EventInsert, "messages", "2")
	d := <-out
	if d.Count != 2 {
		t.Fatalf("delivery = %+v", d)
	}

	close(done)
	if _, ok := <-out; ok {
		t.Fatal("out not closed after done")
	}
}
