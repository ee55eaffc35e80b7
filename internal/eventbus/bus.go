// Package eventbus implements the bounded broadcast fan-out used to tell
// admin sessions about runner lifecycle transitions. Producers never block
// on slow consumers: a subscriber that falls behind is signalled lag rather
// than stalling the registry.
package eventbus

import (
	"sync"

	"github.com/runnergateway/gateway/internal/gwtypes"
)

// capacity is the per-subscriber buffered channel size. The teacher's own
// fn project sizes its internal queues in the same small-dozens range for
// bounded, predictable memory use.
const capacity = 64

// Subscription is a live handle to the bus. Events arrives on C; Lagged
// fires (closed, never sent to) when the subscriber missed at least one
// event because its buffer was full.
type Subscription struct {
	C      <-chan gwtypes.RunnerEvent
	Lagged <-chan struct{}

	bus *Bus
	id  uint64
	ch  chan gwtypes.RunnerEvent
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

// Bus is the broadcast channel of bounded capacity described in spec §4.3.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	ch     chan gwtypes.RunnerEvent
	lagged chan struct{}
	lagOne sync.Once
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new listener. Late joiners never see historical
// events (spec §4.3) — callers needing a consistent starting picture must
// pair this with a snapshot read of the registry.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:     make(chan gwtypes.RunnerEvent, capacity),
		lagged: make(chan struct{}),
	}
	b.subs[id] = sub

	return &Subscription{
		C:      sub.ch,
		Lagged: sub.lagged,
		bus:    b,
		id:     id,
		ch:     sub.ch,
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// buffer is full is marked lagged and the event is dropped for it only;
// Publish never blocks.
func (b *Bus) Publish(ev gwtypes.RunnerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagOne.Do(func() { close(sub.lagged) })
		}
	}
}

// SubscriberCount reports the current number of live subscriptions, mostly
// useful for metrics/tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
