package engine

import (
	"sync"
	"time"
)

// dedupSweepAt is the table size that triggers a sweep of expired IDs.
const dedupSweepAt = 4096

// Dedup remembers signal IDs for a window so a webhook retried by its sender
// is replicated once. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // signal ID -> first seen
}

// NewDedup creates a Dedup that treats an ID seen within ttl as a duplicate.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, seen: make(map[string]time.Time)}
}

// Seen records id at now and reports whether it was already recorded within
// the window.
func (d *Dedup) Seen(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if len(d.seen) >= dedupSweepAt {
		d.sweep(now)
	}
	d.seen[id] = now
	return false
}

// Len returns the number of remembered IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) sweep(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
