package pool

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	"gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/sharedpool"
)

// ReserveRequest describes the connection a connection manager asks the pool for.
type ReserveRequest struct {
	Subject            *connector.Subject
	CRI                connector.ConnectionRequestInfo
	Affinity           transaction.Coordinator
	Shareable          bool
	EnforceSerialReuse bool
	CommitPriority     int
	BranchCoupling     connector.BranchCoupling
}

type Stats struct {
	Total          int
	Free           int
	Shared         int
	Unshared       int
	Waiters        int
	ActiveRequests int
	Destroyed      int64
}

// PoolManager owns the physical connections of one managed connection factory.
type PoolManager struct {
	name   string
	config Config
	mcf    connector.ManagedConnectionFactory
	logger logging.Logger

	freePools   []*freePool
	sharedPools []*sharedpool.Pool[*ConnectionWrapper]
	capacity    *semaphore.Weighted

	wrappersMu sync.RWMutex
	wrappers   map[connector.ManagedConnection]*ConnectionWrapper

	totalConnections atomic.Int64
	activeRequests   atomic.Int64
	waiters          atomic.Int64
	destroyed        atomic.Int64

	waitMu sync.Mutex
	waitCh chan struct{}

	shutdown   atomic.Bool
	stopReaper func()
}

func NewPoolManager(mcf connector.ManagedConnectionFactory, config Config, logger logging.Logger) (*PoolManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	name := config.Name
	if name == "" {
		name = mcf.ID()
	}

	pm := &PoolManager{
		name:       name,
		config:     config,
		mcf:        mcf,
		logger:     logger.WithField("pool", name),
		wrappers:   make(map[connector.ManagedConnection]*ConnectionWrapper),
		waitCh:     make(chan struct{}),
		stopReaper: func() {},
	}
	pm.freePools = make([]*freePool, config.MaxFreePoolHashSize)
	for i := range pm.freePools {
		pm.freePools[i] = newFreePool(pm, i)
	}
	pm.sharedPools = make([]*sharedpool.Pool[*ConnectionWrapper], config.MaxSharedBuckets)
	for i := range pm.sharedPools {
		pm.sharedPools[i] = sharedpool.NewPool[*ConnectionWrapper](fmt.Sprintf("%s/shared/%d", name, i), pm.logger)
	}
	if config.MaxConnections > 0 {
		pm.capacity = semaphore.NewWeighted(int64(config.MaxConnections))
	}

	pm.startReaper()
	return pm, nil
}

func (pm *PoolManager) Name() string {
	return pm.name
}

func (pm *PoolManager) Config() Config {
	return pm.config
}

func (pm *PoolManager) ManagedConnectionFactory() connector.ManagedConnectionFactory {
	return pm.mcf
}

// Size is the number of physical connections.
func (pm *PoolManager) Size() int {
	return int(pm.totalConnections.Load())
}

func (pm *PoolManager) Stats() Stats {
	stats := Stats{
		Total:          pm.Size(),
		Waiters:        int(pm.waiters.Load()),
		ActiveRequests: int(pm.activeRequests.Load()),
		Destroyed:      pm.destroyed.Load(),
	}
	for _, fp := range pm.freePools {
		stats.Free += fp.size()
	}
	for _, sp := range pm.sharedPools {
		stats.Shared += sp.Size()
	}
	stats.Unshared = len(pm.unsharedConnections())
	return stats
}

// Reserve returns a connection for the request: a shared one of the same unit of
// work, a free one, a new one or one released while waiting.
func (pm *PoolManager) Reserve(ctx context.Context, req ReserveRequest) (*ConnectionWrapper, error) {
	if pm.shutdown.Load() {
		return nil, errors.Wrap(ErrPoolShutdown, pm.name)
	}
	pm.activeRequests.Add(1)
	defer pm.activeRequests.Add(-1)

	share := req.Shareable && req.Affinity != nil
	if share {
		sharedReq := sharedpool.Request{
			Affinity:           req.Affinity,
			Subject:            req.Subject,
			CRI:                req.CRI,
			EnforceSerialReuse: req.EnforceSerialReuse,
		}
		if w, ok := pm.sharedPoolFor(req.Affinity).GetSharedConnection(sharedReq, pm.compatible(req)); ok {
			return w, nil
		}
	}

	w, err := pm.reserveFree(ctx, req)
	if err != nil {
		return nil, err
	}
	w.markInUse()

	if share && !w.enlistmentDisabled() && !pm.synchronizationProvider() {
		pm.moveToShared(w, req.Affinity)
	} else {
		w.setPoolState(PoolStateUnshared)
	}
	return w, nil
}

func (pm *PoolManager) compatible(req ReserveRequest) sharedpool.CompatibilityFunc[*ConnectionWrapper] {
	return func(candidate *ConnectionWrapper) bool {
		cm := candidate.connectionManager()
		if cm == nil {
			return false
		}
		return cm.ref.CommitPriority == req.CommitPriority &&
			cm.MatchBranchCoupling(req.BranchCoupling, cm.ref.BranchCoupling)
	}
}

func (pm *PoolManager) reserveFree(ctx context.Context, req ReserveRequest) (*ConnectionWrapper, error) {
	fp := pm.freePoolFor(req.Subject, req.CRI)
	waitCtx := ctx
	waiting := false
	for {
		if pm.shutdown.Load() {
			return nil, errors.Wrap(ErrPoolShutdown, pm.name)
		}
		notified := pm.waitChannel()

		if w := fp.getFreeConnection(req.Subject, req.CRI); w != nil {
			if pm.pretest(ctx, w) {
				return w, nil
			}
			continue
		}
		if pm.tryAcquire() {
			return pm.createWrapper(ctx, fp, req.Subject, req.CRI)
		}
		if pm.claimVictim(fp) {
			continue
		}

		if pm.config.ConnectionTimeout == 0 {
			return nil, errors.Wrapf(ErrConnectionWaitTimeout, "%s: %d connections in use", pm.name, pm.Size())
		}
		if !waiting && pm.config.ConnectionTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, pm.config.ConnectionTimeout)
			defer cancel()
		}
		waiting = true
		if err := pm.wait(ctx, waitCtx, notified); err != nil {
			return nil, err
		}
	}
}

func (pm *PoolManager) wait(ctx, waitCtx context.Context, notified <-chan struct{}) error {
	pm.waiters.Add(1)
	defer pm.waiters.Add(-1)

	select {
	case <-notified:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		return errors.Wrapf(ErrConnectionWaitTimeout, "%s: waited %s, %d connections in use",
			pm.name, pm.config.ConnectionTimeout, pm.Size())
	}
}

func (pm *PoolManager) waitChannel() <-chan struct{} {
	pm.waitMu.Lock()
	defer pm.waitMu.Unlock()
	return pm.waitCh
}

// notifyWaiters wakes every waiter, they compete for the released capacity again.
func (pm *PoolManager) notifyWaiters() {
	pm.waitMu.Lock()
	defer pm.waitMu.Unlock()
	close(pm.waitCh)
	pm.waitCh = make(chan struct{})
}

func (pm *PoolManager) tryAcquire() bool {
	return pm.capacity == nil || pm.capacity.TryAcquire(1)
}

func (pm *PoolManager) releaseCapacity() {
	if pm.capacity != nil {
		pm.capacity.Release(1)
	}
}

// claimVictim destroys an idle connection of another partition to make room.
func (pm *PoolManager) claimVictim(requester *freePool) bool {
	for _, fp := range pm.freePools {
		if fp == requester {
			continue
		}
		if victim := fp.removeVictim(); victim != nil {
			pm.destroy(victim, true, "victim for another partition")
			return true
		}
	}
	return false
}

func (pm *PoolManager) pretest(ctx context.Context, w *ConnectionWrapper) bool {
	if !pm.config.TestConnection && !w.pretest.Swap(false) {
		return true
	}
	validator, ok := w.mc.(connector.Validator)
	if !ok {
		return true
	}
	if err := validator.Validate(ctx); err != nil {
		w.logger.Warning(err, "connection failed pretest")
		w.MarkStale()
		pm.destroy(w, true, "pretest failed")
		return false
	}
	return true
}

func (pm *PoolManager) createWrapper(
	ctx context.Context,
	fp *freePool,
	subject *connector.Subject,
	cri connector.ConnectionRequestInfo,
) (*ConnectionWrapper, error) {
	mc, err := pm.createManagedConnection(ctx, subject, cri)
	if err != nil {
		pm.releaseCapacity()
		pm.notifyWaiters()
		return nil, err
	}
	w, err := newConnectionWrapper(pm, fp, mc, subject, cri)
	if err != nil {
		if destroyErr := mc.Destroy(); destroyErr != nil {
			pm.logger.Warning(destroyErr, "destroy of unused managed connection failed")
		}
		pm.releaseCapacity()
		pm.notifyWaiters()
		return nil, err
	}
	w.fatalErrorValue = fp.fatalErrorValue.Load()
	mc.AddConnectionEventListener(w.listener)

	pm.wrappersMu.Lock()
	pm.wrappers[mc] = w
	pm.wrappersMu.Unlock()
	pm.totalConnections.Add(1)
	fp.addAssigned(1)

	w.logger.Debug("connection created")
	return w, nil
}

func (pm *PoolManager) createManagedConnection(
	ctx context.Context,
	subject *connector.Subject,
	cri connector.ConnectionRequestInfo,
) (connector.ManagedConnection, error) {
	var mc connector.ManagedConnection
	create := func() error {
		var err error
		mc, err = pm.mcf.CreateManagedConnection(ctx, subject, cri)
		if err != nil {
			pm.logger.Warning(err, "create managed connection failed")
		}
		return err
	}

	var err error
	if pm.config.CreateRetryTimeout > 0 {
		err = backoff.Retry(create, backoff.WithContext(newBackOff(pm.config.CreateRetryTimeout), ctx))
	} else {
		err = create()
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if mc == nil {
		return nil, errors.WithStack(ErrNoManagedConnection)
	}
	return mc, nil
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	exponentialBackOff.MaxElapsedTime = timeout
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}

// Release takes a connection back from its user.
func (pm *PoolManager) Release(w *ConnectionWrapper, affinity transaction.Coordinator) error {
	if !w.beginRelease() {
		w.logger.WithField("state", w.PoolState().String()).Debug("connection is not in use, release ignored")
		return nil
	}
	pm.activeRequests.Add(1)
	defer pm.activeRequests.Add(-1)

	if w.isInSharedPool() {
		if affinity == nil {
			affinity = w.SharedPoolCoordinator()
		}
		err := pm.sharedPoolFor(affinity).RemoveSharedConnection(w)
		w.setInSharedPool(false)
		w.SetSharedPoolCoordinator(nil)
		if err != nil {
			pm.logger.Error(err, "shared pool is corrupted")
			w.MarkStale()
			pm.destroy(w, true, "shared pool corrupted")
			return err
		}
	}

	if pm.shutdown.Load() || w.destroyState.Load() {
		pm.destroy(w, true, "released to a purged or closed pool")
		return nil
	}
	w.fp.returnToFreePool(w)
	return nil
}

func (pm *PoolManager) moveToShared(w *ConnectionWrapper, affinity transaction.Coordinator) {
	pm.sharedPoolFor(affinity).SetSharedConnection(affinity, w)
	w.setInSharedPool(true)
	w.setPoolState(PoolStateShared)
}

// destroy closes a connection which is no longer in any partition.
func (pm *PoolManager) destroy(w *ConnectionWrapper, cleanup bool, reason string) {
	if !w.destroyed.CompareAndSwap(false, true) {
		return
	}
	logger := w.logger.WithField("reason", reason)

	pm.wrappersMu.Lock()
	delete(pm.wrappers, w.mc)
	pm.wrappersMu.Unlock()

	if cleanup {
		if err := w.Cleanup(); err != nil {
			logger.Warning(err, "cleanup before destroy failed")
		}
	}
	if err := w.Destroy(); err != nil {
		logger.Warning(err, "destroy failed")
	}

	pm.totalConnections.Add(-1)
	w.fp.addAssigned(-1)
	pm.destroyed.Add(1)
	pm.releaseCapacity()
	logger.Debug("connection destroyed")
	pm.notifyWaiters()
}

func (pm *PoolManager) destroyFreeConnection(w *ConnectionWrapper) {
	if w.fp.remove(w) {
		pm.destroy(w, true, "connection error on a free connection")
	}
}

// FatalErrorNotification applies the purge policy after a connection error.
func (pm *PoolManager) FatalErrorNotification(w *ConnectionWrapper) {
	w.MarkStale()
	switch pm.config.PurgePolicy {
	case PurgeEntirePool:
		pm.logger.Info("fatal connection error, purging free connections")
		for _, fp := range pm.freePools {
			fp.fatalErrorValue.Add(1)
			for _, victim := range fp.drain() {
				pm.destroy(victim, true, "fatal connection error")
			}
		}
	case PurgeValidateAllConnections:
		for _, fp := range pm.freePools {
			fp.markPretest()
		}
	case PurgeFailingConnectionOnly:
	}
}

// WrapperFor finds the wrapper of a managed connection.
func (pm *PoolManager) WrapperFor(mc connector.ManagedConnection) (*ConnectionWrapper, bool) {
	pm.wrappersMu.RLock()
	defer pm.wrappersMu.RUnlock()
	w, ok := pm.wrappers[mc]
	return w, ok
}

func (pm *PoolManager) matches(w *ConnectionWrapper, subject *connector.Subject, cri connector.ConnectionRequestInfo) bool {
	if m, ok := pm.mcf.(connector.Matcher); ok {
		return m.MatchManagedConnection(w.mc, subject, cri)
	}
	return connector.SubjectsEqual(w.Subject(), subject) && connector.CRIsEqual(w.ConnectionRequestInfo(), cri)
}

func (pm *PoolManager) reauthentication() bool {
	r, ok := pm.mcf.(connector.Reauthenticator)
	return ok && r.ReauthenticationSupported()
}

func (pm *PoolManager) synchronizationProvider() bool {
	p, ok := pm.mcf.(connector.SynchronizationProvider)
	return ok && p.ConnectionSynchronizationProvider()
}

func (pm *PoolManager) freePoolFor(subject *connector.Subject, cri connector.ConnectionRequestInfo) *freePool {
	return pm.freePools[computeHashCode(subject, cri, pm.reauthentication())%len(pm.freePools)]
}

func computeHashCode(subject *connector.Subject, cri connector.ConnectionRequestInfo, reauthentication bool) int {
	sHash := 1
	if subject != nil && !reauthentication {
		sHash = 31*len(subject.PrivateCredentials) + len(subject.PublicCredentials) + 1
	}
	cHash := 1
	if cri != nil {
		cHash = int(cri.Hash())
	}
	hash := sHash/2 + cHash/2
	if hash < 0 {
		hash = -hash
	}
	return hash
}

func (pm *PoolManager) sharedPoolFor(affinity transaction.Coordinator) *sharedpool.Pool[*ConnectionWrapper] {
	h := fnv.New32a()
	if affinity != nil {
		_, _ = h.Write([]byte(affinity.ID()))
	}
	return pm.sharedPools[int(h.Sum32()%uint32(len(pm.sharedPools)))]
}

func (pm *PoolManager) freeConnections() []*ConnectionWrapper {
	var result []*ConnectionWrapper
	for _, fp := range pm.freePools {
		result = append(result, fp.snapshot()...)
	}
	return result
}

func (pm *PoolManager) sharedConnections() []*ConnectionWrapper {
	var result []*ConnectionWrapper
	for _, sp := range pm.sharedPools {
		result = append(result, sp.Entries()...)
	}
	return result
}

func (pm *PoolManager) unsharedConnections() []*ConnectionWrapper {
	pm.wrappersMu.RLock()
	defer pm.wrappersMu.RUnlock()
	var result []*ConnectionWrapper
	for _, w := range pm.wrappers {
		if w.PoolState() == PoolStateUnshared {
			result = append(result, w)
		}
	}
	return result
}

// Close stops the pool: waiters fail, free connections are destroyed and in-use
// connections are destroyed when released.
func (pm *PoolManager) Close() error {
	if !pm.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	pm.stopReaper()
	for _, fp := range pm.freePools {
		for _, w := range fp.drain() {
			pm.destroy(w, true, "pool shutdown")
		}
	}
	pm.notifyWaiters()
	pm.logger.Info("pool closed")
	return nil
}
