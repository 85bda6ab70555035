package broker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"termd/internal/proto"
)

// LifecycleBroker fans registry-level session lifecycle events
// (session_created, session_destroyed, session_renamed, session_tags_changed)
// out to subscribers. Unlike the per-session Broker it does no coalescing —
// lifecycle events are low-frequency by nature — but shares the same bounded
// queue/overflow-to-drop discipline (spec §4.6).
type LifecycleBroker struct {
	mu   sync.Mutex
	subs map[string]chan proto.Event
	seqs map[string]*int64
}

// NewLifecycleBroker builds an empty LifecycleBroker.
func NewLifecycleBroker() *LifecycleBroker {
	return &LifecycleBroker{
		subs: make(map[string]chan proto.Event),
		seqs: make(map[string]*int64),
	}
}

// Subscribe registers a new listener and returns its event channel and an
// unsubscribe func.
func (b *LifecycleBroker) Subscribe() (<-chan proto.Event, func()) {
	id := uuid.NewString()
	ch := make(chan proto.Event, QueueCapacity)
	var seq int64

	b.mu.Lock()
	b.subs[id] = ch
	b.seqs[id] = &seq
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		delete(b.seqs, id)
		b.mu.Unlock()
	}
}

// Publish fans ev out to every subscriber, dropping (not blocking) on a full
// queue rather than stalling the registry.
func (b *LifecycleBroker) Publish(ev proto.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		stamped := ev
		stamped.Seq = atomic.AddInt64(b.seqs[id], 1)
		select {
		case ch <- stamped:
		default:
		}
	}
}
