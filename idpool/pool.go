// Package idpool manages the pool of MQTT packet identifiers available for
// outgoing QoS 1/2 PUBLISH, SUBSCRIBE and UNSUBSCRIBE packets.
//
// A Pool is a bounded FIFO of 16-bit identifiers pre-seeded with 1..=max.
// TryAcquire reports whether an identifier is available; releasing an id
// returns it to circulation, and the oldest released id is always the next
// one handed out. This doubles as the admission control for the
// receive-maximum the server advertises in CONNACK: at most max ids can be
// checked out at once. Callers that need to suspend until a slot frees up
// (rather than fail over to an explicit backlog) build that on top of
// TryAcquire; see requests.go's publish/subscribe/unsubscribe queues.
package idpool

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// protocolMax is the largest value a packet identifier can take (MQTT
// identifiers are a non-zero uint16).
const protocolMax = 65535

// Pool hands out packet identifiers in the range 1..=max, where max is the
// pool's current receive-maximum. Released ids are redistributed in FIFO
// order: the id released longest ago is the next one TryAcquire hands out.
type Pool struct {
	sem *semaphore.Weighted

	mu            sync.Mutex
	free          []uint16 // FIFO queue; front is free[head], back is free[len-1]
	head          int
	max           uint16
	pendingShrink int
	closed        bool
}

// New creates a pool seeded with identifiers 1..=max, in release order.
func New(max uint16) *Pool {
	if max == 0 {
		max = 1
	}
	p := &Pool{
		sem:  semaphore.NewWeighted(protocolMax),
		free: make([]uint16, max),
		max:  max,
	}
	for i := range p.free {
		p.free[i] = uint16(i + 1)
	}
	// Reserve the headroom between max and the protocol ceiling as
	// permanently-held weight, so growth via Resize never exceeds
	// protocolMax and shrink-then-grow stays consistent.
	if headroom := int64(protocolMax - max); headroom > 0 {
		if !p.sem.TryAcquire(headroom) {
			panic("idpool: fresh semaphore rejected initial reservation")
		}
	}
	return p
}

// dequeue pops the oldest available id. Caller must hold p.mu and must have
// already confirmed (via the semaphore) that one is present.
func (p *Pool) dequeue() uint16 {
	id := p.free[p.head]
	p.head++
	if p.head == len(p.free) {
		p.free = p.free[:0]
		p.head = 0
	} else if p.head > 64 && p.head*2 > len(p.free) {
		// Compact occasionally so the backing array doesn't grow unbounded
		// under a long-running pool with steady acquire/release traffic.
		p.free = append(p.free[:0], p.free[p.head:]...)
		p.head = 0
	}
	return id
}

// TryAcquire acquires an identifier without blocking, reporting false if
// none is currently available.
func (p *Pool) TryAcquire() (uint16, bool) {
	if !p.sem.TryAcquire(1) {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.head >= len(p.free) {
		p.sem.Release(1)
		return 0, false
	}
	return p.dequeue(), true
}

// Release returns an identifier to the pool, making it available to the
// next TryAcquire call once every id released before it has been
// redistributed. Safe to call from any goroutine.
func (p *Pool) Release(id uint16) {
	p.mu.Lock()
	if p.pendingShrink > 0 {
		// Narrowing Resize: drain this slot instead of recirculating it.
		p.pendingShrink--
		p.mu.Unlock()
		return
	}
	p.free = append(p.free, id)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Take reserves a specific identifier, removing it from circulation. It is
// used when restoring persisted session state: packet ids already in flight
// from a previous connection must not be handed out again by TryAcquire.
// Reports false if id is already checked out.
func (p *Pool) Take(id uint16) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := p.head; i < len(p.free); i++ {
		if p.free[i] == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return true
		}
	}
	p.sem.Release(1)
	return false
}

// Resize changes the pool's receive-maximum, e.g. after a CONNACK reports a
// server-side Receive Maximum lower than what was requested. Growing takes
// effect immediately; narrowing drains in-flight identifiers as they are
// released rather than revoking ones already checked out.
func (p *Pool) Resize(newMax uint16) {
	if newMax == 0 {
		newMax = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case newMax > p.max:
		for id := p.max + 1; id <= newMax; id++ {
			p.free = append(p.free, id)
		}
		p.sem.Release(int64(newMax - p.max))
	case newMax < p.max:
		p.pendingShrink += int(p.max - newMax)
	}
	p.max = newMax
}

// Max reports the pool's current receive-maximum.
func (p *Pool) Max() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// Close marks the pool closed; subsequent TryAcquire/Take calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
