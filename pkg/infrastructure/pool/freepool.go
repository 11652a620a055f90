package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

// freePool is one partition of idle connections, selected by subject and request info hash.
type freePool struct {
	pm     *PoolManager
	bucket int

	fatalErrorValue atomic.Int64

	mu       sync.Mutex
	wrappers []*ConnectionWrapper
	assigned int
}

func newFreePool(pm *PoolManager, bucket int) *freePool {
	return &freePool{pm: pm, bucket: bucket}
}

// getFreeConnection takes the most recently used matching connection.
func (fp *freePool) getFreeConnection(subject *connector.Subject, cri connector.ConnectionRequestInfo) *ConnectionWrapper {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for i := len(fp.wrappers) - 1; i >= 0; i-- {
		w := fp.wrappers[i]
		if !fp.pm.matches(w, subject, cri) {
			continue
		}
		fp.wrappers = append(fp.wrappers[:i], fp.wrappers[i+1:]...)
		w.setPoolState(PoolStateTransition)
		return w
	}
	return nil
}

// returnToFreePool cleans the connection up for reuse or destroys it.
func (fp *freePool) returnToFreePool(w *ConnectionWrapper) {
	switch {
	case w.ShouldBeDestroyed():
		fp.pm.destroy(w, true, "stale connection")
		return
	case w.hasFatalErrorNotificationOccurred(fp.fatalErrorValue.Load()):
		fp.pm.destroy(w, true, "created before a fatal connection error")
		return
	case w.hasAgedTimedOut(fp.pm.config.AgedTimeout, time.Now()):
		fp.pm.destroy(w, true, "aged timeout")
		return
	}

	if err := w.Cleanup(); err != nil {
		w.logger.Warning(err, "cleanup failed")
		fp.pm.destroy(w, false, "cleanup failed")
		return
	}

	fp.mu.Lock()
	w.setPoolState(PoolStateFree)
	fp.wrappers = append(fp.wrappers, w)
	fp.mu.Unlock()

	fp.pm.notifyWaiters()
}

func (fp *freePool) remove(w *ConnectionWrapper) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for i, candidate := range fp.wrappers {
		if candidate == w {
			fp.wrappers = append(fp.wrappers[:i], fp.wrappers[i+1:]...)
			w.setPoolState(PoolStateTransition)
			return true
		}
	}
	return false
}

// removeVictim takes the least recently used connection.
func (fp *freePool) removeVictim() *ConnectionWrapper {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.wrappers) == 0 {
		return nil
	}
	w := fp.wrappers[0]
	fp.wrappers[0] = nil
	fp.wrappers = fp.wrappers[1:]
	w.setPoolState(PoolStateTransition)
	return w
}

func (fp *freePool) drain() []*ConnectionWrapper {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	wrappers := fp.wrappers
	fp.wrappers = nil
	for _, w := range wrappers {
		w.setPoolState(PoolStateTransition)
	}
	return wrappers
}

// reap removes aged connections and idle ones while excess allows.
func (fp *freePool) reap(now time.Time, aged, unused time.Duration, excess *int) []*ConnectionWrapper {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var victims []*ConnectionWrapper
	kept := fp.wrappers[:0]
	for _, w := range fp.wrappers {
		if w.hasAgedTimedOut(aged, now) || (*excess > 0 && w.hasIdleTimedOut(unused, now)) {
			w.setPoolState(PoolStateTransition)
			victims = append(victims, w)
			*excess--
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(fp.wrappers); i++ {
		fp.wrappers[i] = nil
	}
	fp.wrappers = kept
	return victims
}

func (fp *freePool) markPretest() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for _, w := range fp.wrappers {
		w.pretest.Store(true)
	}
}

func (fp *freePool) snapshot() []*ConnectionWrapper {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]*ConnectionWrapper(nil), fp.wrappers...)
}

func (fp *freePool) size() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.wrappers)
}

func (fp *freePool) addAssigned(delta int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.assigned += delta
}
