package pool

import (
	"context"
	"time"
)

func (pm *PoolManager) startReaper() {
	if pm.config.ReapTime <= 0 || (pm.config.AgedTimeout <= 0 && pm.config.UnusedTimeout <= 0) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(pm.config.ReapTime)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				pm.ReclaimConnections(now)
			}
		}
	}()
	pm.stopReaper = func() {
		cancel()
		<-done
	}
}

// ReclaimConnections destroys free connections past the aged timeout and idle
// ones past the unused timeout while more than MinConnections exist.
func (pm *PoolManager) ReclaimConnections(now time.Time) int {
	excess := pm.Size() - pm.config.MinConnections
	var victims []*ConnectionWrapper
	for _, fp := range pm.freePools {
		victims = append(victims, fp.reap(now, pm.config.AgedTimeout, pm.config.UnusedTimeout, &excess)...)
	}
	for _, w := range victims {
		pm.destroy(w, true, "reaped")
	}
	if len(victims) > 0 {
		pm.logger.WithField("reaped", len(victims)).Debug("reclaimed connections")
	}
	return len(victims)
}
