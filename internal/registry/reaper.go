package registry

import (
	"context"
	"log"
	"time"
)

// StartReaper runs a periodic sweep evicting connections with no activity
// inside maxInactive. It never blocks the message path.
func (r *Registry) StartReaper(ctx context.Context, interval, maxInactive time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(maxInactive)
			}
		}
	}()
}

// Sweep evicts every connection whose last activity predates the inactivity
// window and returns the eviction count. A sweep already in progress makes a
// concurrent trigger return immediately instead of queuing.
func (r *Registry) Sweep(maxInactive time.Duration) int {
	if !r.sweeping.TryLock() {
		return 0
	}
	defer r.sweeping.Unlock()

	cutoff := time.Now().UTC().Add(-maxInactive)

	type stale struct {
		id       string
		clientID string
	}
	var victims []stale
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, c := range s.conns {
			if c.lastActivityAt.Before(cutoff) {
				victims = append(victims, stale{id: id, clientID: c.clientID})
			}
		}
		s.mu.Unlock()
	}

	for _, v := range victims {
		r.Remove(v.id)
		r.metrics.ReaperEvictions.Inc()
		log.Printf("reaper: evicted connection %s client %q after %s of inactivity", v.id, v.clientID, maxInactive)
	}
	return len(victims)
}
