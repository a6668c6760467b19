// ABOUTME: Thread-safe TTL ledger of request ids whose waiter already gave up.
// ABOUTME: Lets the correlator tell a late result apart from an unknown id.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Reason records why an id was buried.
type Reason string

const (
	ReasonTimedOut     Reason = "timed_out"
	ReasonCancelled    Reason = "cancelled"
	ReasonDisconnected Reason = "disconnected"
)

type ledgerEntry struct {
	reason   Reason
	buriedAt time.Time
	element  *list.Element
}

// Ledger remembers ids for ttl, bounded to maxSize entries. The oldest entry
// is evicted first.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates a ledger and starts its sweeper.
func New(ttl time.Duration, maxSize int) *Ledger {
	return newLedger(ttl, maxSize, time.Now)
}

func newLedger(ttl time.Duration, maxSize int, now func() time.Time) *Ledger {
	if maxSize <= 0 {
		maxSize = 1024
	}
	l := &Ledger{
		entries: make(map[string]*ledgerEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
		now:     now,
	}
	go l.sweep()
	return l
}

// Bury records that id will never be delivered.
func (l *Ledger) Bury(id string, reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[id]; ok {
		e.reason = reason
		e.buriedAt = now
		l.order.MoveToBack(e.element)
		return
	}
	if len(l.entries) >= l.maxSize {
		l.evictOldest()
	}
	l.entries[id] = &ledgerEntry{
		reason:   reason,
		buriedAt: now,
		element:  l.order.PushBack(id),
	}
}

// Lookup reports whether id was buried and not yet expired, and how long ago.
func (l *Ledger) Lookup(id string) (Reason, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return "", 0, false
	}
	age := l.now().Sub(e.buriedAt)
	if age >= l.ttl {
		return "", 0, false
	}
	return e.reason, age, true
}

// Len returns the number of entries, expired or not.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.entries, id)
}

func (l *Ledger) sweep() {
	interval := l.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune()
		case <-l.done:
			return
		}
	}
}

// prune drops expired entries from the front; entries are ordered by burial time.
func (l *Ledger) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for front := l.order.Front(); front != nil; front = l.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(l.entries[id].buriedAt) < l.ttl {
			return
		}
		l.order.Remove(front)
		delete(l.entries, id)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
