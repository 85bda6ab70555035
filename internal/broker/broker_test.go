package broker

import (
	"testing"
	"time"

	"termd/internal/proto"
)

func snapFn() SnapshotFunc {
	return func(format proto.Format) proto.Screen {
		return proto.Screen{Rows: 24, Cols: 80}
	}
}

func TestSubscribe_SendsInitialSync(t *testing.T) {
	b := New(snapFn())
	ch, cancel := b.Subscribe(proto.SubscribeRequest{Events: []proto.EventKind{proto.EventLine}})
	defer cancel()

	select {
	case ev := <-ch:
		if ev.Kind != proto.EventSync {
			t.Fatalf("first event kind = %v, want sync", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial sync")
	}
}

func TestPublish_FiltersByKind(t *testing.T) {
	b := New(snapFn())
	ch, cancel := b.Subscribe(proto.SubscribeRequest{Events: []proto.EventKind{proto.EventMode}})
	defer cancel()
	<-ch // drain initial sync

	b.Publish(proto.Event{Kind: proto.EventLine, LineIndex: 0})
	b.Publish(proto.Event{Kind: proto.EventMode, AltActive: true})

	select {
	case ev := <-ch:
		if ev.Kind != proto.EventMode {
			t.Fatalf("got %v, want mode (line should be filtered out)", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mode event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_CoalescesLineEventsIntoDiff(t *testing.T) {
	b := New(snapFn())
	ch, cancel := b.Subscribe(proto.SubscribeRequest{
		Events:     []proto.EventKind{proto.EventLine},
		IntervalMs: 20,
	})
	defer cancel()
	<-ch // initial sync

	b.Publish(proto.Event{Kind: proto.EventLine, LineIndex: 1})
	b.Publish(proto.Event{Kind: proto.EventLine, LineIndex: 2})

	select {
	case ev := <-ch:
		if ev.Kind != proto.EventDiff {
			t.Fatalf("kind = %v, want diff", ev.Kind)
		}
		if len(ev.ChangedLines) != 2 {
			t.Fatalf("ChangedLines = %v, want 2 entries", ev.ChangedLines)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced diff")
	}
}

func TestPublish_NonCoalescedEventFlushesPendingFirst(t *testing.T) {
	b := New(snapFn())
	ch, cancel := b.Subscribe(proto.SubscribeRequest{
		Events:     []proto.EventKind{proto.EventLine, proto.EventReset},
		IntervalMs: 10_000, // long window so only the reset forces a flush
	})
	defer cancel()
	<-ch // initial sync

	b.Publish(proto.Event{Kind: proto.EventLine, LineIndex: 0})
	b.Publish(proto.Event{Kind: proto.EventReset, Reason: proto.ResetHardReset})

	first := <-ch
	second := <-ch
	if first.Kind != proto.EventDiff {
		t.Fatalf("first = %v, want diff (flushed before reset)", first.Kind)
	}
	if second.Kind != proto.EventReset {
		t.Fatalf("second = %v, want reset", second.Kind)
	}
}

func TestSendTo_OverflowEnqueuesSyncAndDropsQueue(t *testing.T) {
	b := New(snapFn())
	ch, cancel := b.Subscribe(proto.SubscribeRequest{Events: []proto.EventKind{proto.EventMode}})
	defer cancel()
	<-ch // initial sync

	for i := 0; i < QueueCapacity+5; i++ {
		b.Publish(proto.Event{Kind: proto.EventMode, AltActive: i%2 == 0})
	}

	// The overflowing publish drops the queue and enqueues a sync; the
	// publishes after it queue up behind that sync.
	var first proto.Event
	n := 0
	for {
		select {
		case ev := <-ch:
			if n == 0 {
				first = ev
			}
			n++
		default:
			goto done
		}
	}
done:
	if first.Kind != proto.EventSync {
		t.Fatalf("first queued event after overflow = %v, want sync", first.Kind)
	}
}

func TestLifecycleBroker_FanOut(t *testing.T) {
	lb := NewLifecycleBroker()
	ch1, cancel1 := lb.Subscribe()
	ch2, cancel2 := lb.Subscribe()
	defer cancel1()
	defer cancel2()

	lb.Publish(proto.Event{Kind: proto.EventSessionCreated, SessionName: "dev"})

	for _, ch := range []<-chan proto.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.SessionName != "dev" {
				t.Fatalf("SessionName = %q, want dev", ev.SessionName)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle event")
		}
	}
}
