package playbook

import (
	"context"
	"sync"
	"time"
)

// RunClock drives the runner's clocks on a fixed cadence until ctx is
// cancelled or the incident terminates. Events produced by a tick, such as
// escalations, are drained and handed to deliver. RunClock blocks; start it
// in its own goroutine, one per incident. A non-nil guard is held across
// each tick and its delivery so callers can keep ticks out of their own
// critical sections.
func (r *Runner) RunClock(ctx context.Context, interval time.Duration, guard sync.Locker, deliver func([]Event)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if guard != nil {
				guard.Lock()
			}
			if r.Tick(interval) {
				if events := r.DrainEvents(); len(events) > 0 && deliver != nil {
					deliver(events)
				}
			}
			if guard != nil {
				guard.Unlock()
			}
		}
	}
}
