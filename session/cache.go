// Package session holds the most recently observed TLS session ticket
// for an origin, reused to speed up handshakes on new connections.
package session

import "sync"

// Cache stores a single opaque session ticket with last-write-wins
// semantics. Tickets are never inspected or validated here — a stale
// ticket just costs one full handshake when the origin rejects it.
//
// Connections report tickets from their I/O goroutines while the pool
// reads from dispatch, so the cache carries its own small mutex.
type Cache struct {
	mu     sync.Mutex
	ticket []byte
}

// Put overwrites the cached ticket unconditionally.
func (c *Cache) Put(ticket []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticket = ticket
}

// Get returns a copy of the cached ticket, or nil if none is cached.
func (c *Cache) Get() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket == nil {
		return nil
	}
	ticket := make([]byte, len(c.ticket))
	copy(ticket, c.ticket)
	return ticket
}
