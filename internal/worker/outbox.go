package worker

import (
	"sync"

	"github.com/schovi/retrohost/internal/protocol"
)

type sink interface {
	push(ev protocol.Event)
}

// outbox decouples the frame pump from the transport. Events leave in the
// order they were pushed. Control events are never dropped; once more than
// limit media events are waiting, the oldest waiting media event is dropped.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Event
	media  int
	limit  int
	drops  uint64
	closed bool
	failed bool
}

func newOutbox(limit int) *outbox {
	if limit < 1 {
		limit = 1
	}
	o := &outbox{limit: limit}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(ev protocol.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.failed {
		return
	}
	if protocol.IsMedia(ev) {
		if o.media >= o.limit {
			o.dropOldestMedia()
		}
		o.media++
	}
	o.queue = append(o.queue, ev)
	o.cond.Signal()
}

func (o *outbox) dropOldestMedia() {
	for i, ev := range o.queue {
		if protocol.IsMedia(ev) {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.media--
			o.drops++
			return
		}
	}
}

func (o *outbox) next() (protocol.Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	ev := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	if protocol.IsMedia(ev) {
		o.media--
	}
	return ev, true
}

// run sends queued events until the outbox is closed and drained. After a
// send error everything still queued is discarded.
func (o *outbox) run(send func(protocol.Event) error) error {
	for {
		ev, ok := o.next()
		if !ok {
			return nil
		}
		if err := send(ev); err != nil {
			o.mu.Lock()
			o.failed = true
			o.queue = nil
			o.media = 0
			o.mu.Unlock()
			return err
		}
	}
}

// close stops accepting events; run returns once the queue is drained.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops
}
