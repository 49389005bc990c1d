package transport

import (
	"sync"

	"github.com/schovi/retrohost/internal/protocol"
)

// Result settles one pending request: either the matching Response or the
// error that rejected it.
type Result struct {
	protocol.Response
	Err error
}

type pendingEntry struct {
	ch chan Result
}

// Pending is the table of correlated requests awaiting a response. Every
// entry settles exactly once: the first of Resolve, Reject or RejectAll to
// reach it removes it and delivers the Result.
type Pending struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func NewPending() *Pending {
	return &Pending{entries: make(map[string]*pendingEntry)}
}

// Add registers id and returns the channel its Result is delivered on.
// Callers enforce their own deadline with Reject.
func (p *Pending) Add(id string) <-chan Result {
	e := &pendingEntry{ch: make(chan Result, 1)}
	p.mu.Lock()
	p.entries[id] = e
	p.mu.Unlock()
	return e.ch
}

// Resolve settles the entry matching resp. It returns false for stale or
// duplicate responses, which are otherwise ignored.
func (p *Pending) Resolve(resp protocol.Response) bool {
	e := p.take(resp.RequestID)
	if e == nil {
		return false
	}
	e.ch <- Result{Response: resp}
	return true
}

func (p *Pending) Reject(id string, err error) bool {
	e := p.take(id)
	if e == nil {
		return false
	}
	e.ch <- Result{Err: err}
	return true
}

func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.ch <- Result{Err: err}
	}
	return len(entries)
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pending) take(id string) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(p.entries, id)
	return e
}
