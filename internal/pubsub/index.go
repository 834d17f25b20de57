// Package pubsub implements the binary websocket protocol, the
// subscription index, and the change-feed fan-out dispatcher described
// in spec.md §4.6-4.8.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Index is a bidirectional mapping between info-hashes and the sockets
// subscribed to them. It is read on the fan-out hot path and written
// from socket-owned goroutines on subscribe/unsubscribe/teardown, so the
// per-hash subscriber slice is held behind a copy-on-write atomic.Value,
// mirroring the teacher's SubscriptionIndex.
type Index struct {
	mu   sync.RWMutex
	byID map[[32]byte]*atomic.Value // info_hash -> *[]*Socket snapshot
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{byID: make(map[[32]byte]*atomic.Value)}
}

// Subscribe registers sock as a subscriber of every hash in hashes.
// Idempotent per spec.md §9: re-subscribing to an already-subscribed
// hash is a no-op rather than an error.
func (idx *Index) Subscribe(sock *Socket, hashes [][32]byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, hash := range hashes {
		slot := idx.byID[hash]
		if slot == nil {
			slot = &atomic.Value{}
			idx.byID[hash] = slot
		}

		var current []*Socket
		if v := slot.Load(); v != nil {
			current = v.([]*Socket)
		}

		already := false
		for _, existing := range current {
			if existing == sock {
				already = true
				break
			}
		}
		if already {
			continue
		}

		next := make([]*Socket, len(current)+1)
		copy(next, current)
		next[len(current)] = sock
		slot.Store(next)

		sock.noteSubscribed(hash)
	}
}

// Unsubscribe removes sock from every hash in hashes. Removing a hash
// the socket was never subscribed to is a no-op.
func (idx *Index) Unsubscribe(sock *Socket, hashes [][32]byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, hash := range hashes {
		idx.removeLocked(hash, sock)
		sock.noteUnsubscribed(hash)
	}
}

// UnsubscribeAll removes sock from every hash it is currently subscribed
// to. Called on socket teardown so no stale subscriber reference
// outlives the connection.
func (idx *Index) UnsubscribeAll(sock *Socket) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	hashes := sock.subscribedHashes()
	for _, hash := range hashes {
		idx.removeLocked(hash, sock)
	}
	sock.clearSubscribed()
}

// removeLocked assumes idx.mu is held for writing.
func (idx *Index) removeLocked(hash [32]byte, sock *Socket) {
	slot, ok := idx.byID[hash]
	if !ok {
		return
	}
	v := slot.Load()
	if v == nil {
		return
	}
	current := v.([]*Socket)

	for i, existing := range current {
		if existing != sock {
			continue
		}
		next := make([]*Socket, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.byID, hash)
		} else {
			slot.Store(next)
		}
		return
	}
}

// Subscribers returns an immutable snapshot of the sockets subscribed to
// hash. The returned slice must not be mutated by the caller.
func (idx *Index) Subscribers(hash [32]byte) []*Socket {
	idx.mu.RLock()
	slot, ok := idx.byID[hash]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := slot.Load()
	if v == nil {
		return nil
	}
	return v.([]*Socket)
}

// Union returns the deduplicated set of sockets subscribed to any of the
// given hashes, used by the dispatcher when a change touches both a
// pre-image and a post-image info_hash.
func (idx *Index) Union(hashes ...[32]byte) []*Socket {
	seen := make(map[*Socket]struct{})
	var out []*Socket
	for _, hash := range hashes {
		for _, sock := range idx.Subscribers(hash) {
			if _, dup := seen[sock]; dup {
				continue
			}
			seen[sock] = struct{}{}
			out = append(out, sock)
		}
	}
	return out
}
