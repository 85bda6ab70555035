// Package broker fans a session's change notifications out to many
// subscribers, each with its own coalescing window, format, and bounded
// queue. Grounded on internal/message/delivery.go's RunDelivery: a
// select-loop waking on either a notify channel or a ticker and draining
// work in a batch, generalized here from "one delivery consumer polling a
// shared queue" to "N independent per-subscriber coalescing buffers, each
// with its own timer".
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"termd/internal/proto"
)

// SnapshotFunc returns the current full screen, used for the initial sync
// on subscribe and for coalesced diff/overflow sync events.
type SnapshotFunc func(format proto.Format) proto.Screen

// QueueCapacity bounds each subscriber's pending event queue (spec §4.6
// "Backpressure: per-subscriber bounded queue").
const QueueCapacity = 64

// Broker owns one session's subscriber set.
type Broker struct {
	snapshot SnapshotFunc

	mu   sync.Mutex
	subs map[string]*subscriber
}

// New builds a Broker that uses snapshot to build sync/diff screen payloads.
func New(snapshot SnapshotFunc) *Broker {
	return &Broker{snapshot: snapshot, subs: make(map[string]*subscriber)}
}

type subscriber struct {
	id     string
	kinds  map[proto.EventKind]bool
	format proto.Format
	queue  chan proto.Event
	seq    int64

	interval time.Duration

	mu            sync.Mutex
	pendingLines  map[int]bool
	pendingCursor *proto.Cursor
	timer         *time.Timer
	closed        bool

	flush func(*subscriber)
}

// Subscribe registers a subscriber matching kinds/format/coalescing window
// and immediately enqueues a full sync event (spec §4.6 "Initial sync").
// Returns the events channel and a cancel func that unregisters it.
func (b *Broker) Subscribe(req proto.SubscribeRequest) (<-chan proto.Event, func()) {
	kinds := make(map[proto.EventKind]bool, len(req.Events))
	for _, k := range req.Events {
		kinds[k] = true
	}

	sub := &subscriber{
		id:           uuid.NewString(),
		kinds:        kinds,
		format:       req.Format,
		queue:        make(chan proto.Event, QueueCapacity),
		interval:     time.Duration(req.IntervalMs) * time.Millisecond,
		pendingLines: make(map[int]bool),
	}
	sub.flush = b.flushSubscriber

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.sendTo(sub, proto.Event{Kind: proto.EventSync, Screen: b.snapshotPtr(req.Format)})

	return sub.queue, func() { b.unsubscribe(sub.id) }
}

func (b *Broker) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.mu.Unlock()
}

// Publish fans ev out to every subscriber whose kind filter matches it.
// line/cursor events are coalesced per-subscriber into a windowed diff;
// everything else is delivered immediately, flushing any pending coalesced
// state first so ordering within a subscriber is preserved.
func (b *Broker) Publish(ev proto.Event) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kinds[ev.Kind] {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(sub, ev)
	}
}

func (b *Broker) dispatch(sub *subscriber, ev proto.Event) {
	switch ev.Kind {
	case proto.EventLine:
		sub.mu.Lock()
		sub.pendingLines[ev.LineIndex] = true
		b.armLocked(sub)
		sub.mu.Unlock()
	case proto.EventCursor:
		sub.mu.Lock()
		cur := ev.Cursor
		sub.pendingCursor = &cur
		b.armLocked(sub)
		sub.mu.Unlock()
	default:
		b.flushSubscriber(sub)
		b.sendTo(sub, ev)
	}
}

// armLocked starts the coalescing timer if one isn't already pending.
// sub.mu must be held.
func (b *Broker) armLocked(sub *subscriber) {
	if sub.timer != nil {
		return
	}
	interval := sub.interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	sub.timer = time.AfterFunc(interval, func() { b.flushSubscriber(sub) })
}

// flushSubscriber drains any coalesced line/cursor state into a single diff
// event plus an independent cursor event, then clears the buffer.
func (b *Broker) flushSubscriber(sub *subscriber) {
	sub.mu.Lock()
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	if len(sub.pendingLines) == 0 && sub.pendingCursor == nil {
		sub.mu.Unlock()
		return
	}
	lines := make([]int, 0, len(sub.pendingLines))
	for idx := range sub.pendingLines {
		lines = append(lines, idx)
	}
	sub.pendingLines = make(map[int]bool)
	cursor := sub.pendingCursor
	sub.pendingCursor = nil
	sub.mu.Unlock()

	if len(lines) > 0 {
		b.sendTo(sub, proto.Event{
			Kind:         proto.EventDiff,
			ChangedLines: lines,
			Screen:       b.snapshotPtr(sub.format),
		})
	}
	if cursor != nil {
		b.sendTo(sub, proto.Event{Kind: proto.EventCursor, Cursor: *cursor})
	}
}

// sendTo enqueues ev for sub, stamping its per-subscriber sequence number.
// On overflow it drops the queue's contents and enqueues a single sync
// event telling the subscriber to resync (spec §4.6 "Backpressure").
func (b *Broker) sendTo(sub *subscriber, ev proto.Event) {
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return
	}

	ev.Seq = atomic.AddInt64(&sub.seq, 1)
	select {
	case sub.queue <- ev:
		return
	default:
	}

	drain(sub.queue)
	sync := proto.Event{Kind: proto.EventSync, Screen: b.snapshotPtr(sub.format)}
	sync.Seq = atomic.AddInt64(&sub.seq, 1)
	select {
	case sub.queue <- sync:
	default:
	}
}

func (b *Broker) snapshotPtr(format proto.Format) *proto.Screen {
	s := b.snapshot(format)
	return &s
}

func drain(ch chan proto.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
