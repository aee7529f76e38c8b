package notify

import (
	"sync"
	"time"
)

// Deduper suppresses repeated notifications with the same key within a
// TTL window. Notifications without a key always pass through.
type Deduper struct {
	inner Notifier
	ttl   time.Duration
	seen  map[string]time.Time
	mu    sync.Mutex
}

// NewDeduper wraps a notifier with TTL-bounded key deduplication
func NewDeduper(inner Notifier, ttl time.Duration) *Deduper {
	return &Deduper{
		inner: inner,
		ttl:   ttl,
		seen:  make(map[string]time.Time),
	}
}

// Send forwards the notification unless its key was seen within the TTL
func (d *Deduper) Send(n Notification) error {
	if n.Key != "" {
		now := time.Now()
		d.mu.Lock()
		if sent, ok := d.seen[n.Key]; ok && now.Sub(sent) < d.ttl {
			d.mu.Unlock()
			return nil
		}
		d.seen[n.Key] = now
		// Drop expired entries so the map stays bounded
		for k, t := range d.seen {
			if now.Sub(t) >= d.ttl {
				delete(d.seen, k)
			}
		}
		d.mu.Unlock()
	}
	return d.inner.Send(n)
}
