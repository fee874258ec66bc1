package session

import (
	"context"
	"log"
	"time"
)

// StartJanitor purges sessions whose last activity is past the retention
// window, on a fixed cadence, until the context is cancelled.
func StartJanitor(ctx context.Context, store Store, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.PurgeExpired(ctx, time.Now().Add(-retention))
				if err != nil {
					log.Printf("session janitor: purge failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("session janitor: purged %d expired sessions", n)
				}
			}
		}
	}()
}
