package auth

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
)

// NonceRecord captures a consumed challenge nonce for durable storage.
type NonceRecord struct {
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for consumed nonces so the
// replay window stays closed across restarts.
type NoncePersistence interface {
	// EnsureNonce records a nonce if new, reporting whether it already existed.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	// RecentNonces returns nonces observed at or after the cutoff.
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// PruneNonces deletes nonces observed before the cutoff.
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// nonceLedger is an in-memory TTL + capacity bounded set of consumed nonces.
type nonceLedger struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceLedger(ttl time.Duration, capacity int) *nonceLedger {
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceLedger{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen atomically checks and records a nonce, returning true if it had
// already been observed within the TTL window.
func (n *nonceLedger) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports whether the nonce has been observed without mutating the
// ledger when new.
func (n *nonceLedger) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce, applying TTL and capacity eviction.
func (n *nonceLedger) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceLedger) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	elem := n.order.PushBack(nonceEntry{key: key, ts: now})
	n.entries[key] = elem
}

func (n *nonceLedger) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceLedger) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
