// Package events fans worker events out to host-side subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/schovi/retrohost/internal/protocol"
)

// Subscription receives events from a Bus. C is closed on Unsubscribe or
// when the bus closes.
type Subscription struct {
	C       <-chan protocol.Event
	ch      chan protocol.Event
	dropped atomic.Uint64

	// mu serializes publishers so eviction can rebuild the queue.
	mu sync.Mutex
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans out events to all active subscribers. It is safe for concurrent
// use. A subscriber whose buffer is full loses its oldest queued media
// event, so a slow consumer sees recent frames rather than stalling the
// publisher and still receives every response and error.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe creates a subscription with the given buffer size (minimum 1).
// The caller should read from sub.C and eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan protocol.Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if n := deliver(sub, ev); n > 0 {
			b.dropped.Add(n)
		}
	}
}

// deliver sends ev without blocking and returns how many events were lost.
// On a full buffer the oldest queued media event is evicted. When nothing
// queued is media, a media ev is discarded instead; a control ev then
// evicts the oldest control event, the only case where one is lost.
func deliver(sub *Subscription, ev protocol.Event) uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- ev:
		return 0
	default:
	}

	queued := make([]protocol.Event, 0, cap(sub.ch))
drain:
	for {
		select {
		case q := <-sub.ch:
			queued = append(queued, q)
		default:
			break drain
		}
	}
	if len(queued) < cap(sub.ch) {
		// The consumer freed room while we drained.
		requeue(sub, queued, ev)
		return 0
	}

	victim := -1
	for i, q := range queued {
		if protocol.IsMedia(q) {
			victim = i
			break
		}
	}
	switch {
	case victim >= 0:
		queued = append(queued[:victim], queued[victim+1:]...)
		requeue(sub, queued, ev)
	case protocol.IsMedia(ev):
		requeue(sub, queued, nil)
	default:
		requeue(sub, queued[1:], ev)
	}
	sub.dropped.Add(1)
	return 1
}

// requeue refills the drained buffer in order. Only the holder of sub.mu
// sends, so there is always room.
func requeue(sub *Subscription, queued []protocol.Event, ev protocol.Event) {
	for _, q := range queued {
		sub.ch <- q
	}
	if ev != nil {
		sub.ch <- ev
	}
}

// Dropped reports the total number of events discarded across subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports how many subscriptions are active.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later subscriptions start closed and later
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
