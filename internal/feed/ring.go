// Package feed maintains upstream price source sessions and canonical ticks.
package feed

import (
	"sync"

	"github.com/helixtrade/helix/internal/schema"
)

const defaultRingCapacity = 1024

// TickRing is a bounded ring buffer of recent ticks used for debugging and
// warm snapshots.
type TickRing struct {
	mu    sync.RWMutex
	buf   []schema.PriceTick
	next  int
	count int
}

// NewTickRing builds a ring with the given capacity (minimum 1024 enforced
// by callers passing 0).
func NewTickRing(capacity int) *TickRing {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &TickRing{buf: make([]schema.PriceTick, capacity)}
}

// Push appends a tick, overwriting the oldest when full.
func (r *TickRing) Push(tick schema.PriceTick) {
	r.mu.Lock()
	r.buf[r.next] = tick
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to n most recent ticks, newest first.
func (r *TickRing) Recent(n int) []schema.PriceTick {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]schema.PriceTick, 0, n)
	idx := r.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(r.buf)
		}
		out = append(out, r.buf[idx])
		idx--
	}
	return out
}

// Latest returns the most recent tick for the symbol, if buffered.
func (r *TickRing) Latest(symbol string) (schema.PriceTick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.next - 1
	for i := 0; i < r.count; i++ {
		if idx < 0 {
			idx += len(r.buf)
		}
		if r.buf[idx].Symbol == symbol {
			return r.buf[idx], true
		}
		idx--
	}
	return schema.PriceTick{}, false
}

// Len reports the number of buffered ticks.
func (r *TickRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
