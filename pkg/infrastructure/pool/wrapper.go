package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// ConnectionWrapper binds one managed connection to the pool and tracks its
// handles, transaction involvement and pool membership.
type ConnectionWrapper struct {
	id       string
	pm       *PoolManager
	fp       *freePool
	mc       connector.ManagedConnection
	listener *eventListener
	logger   logging.Logger

	poolState       atomic.Int32
	stale           atomic.Bool
	txError         atomic.Bool
	doNotReuse      atomic.Bool
	destroyState    atomic.Bool
	destroyed       atomic.Bool
	pretest         atomic.Bool
	fatalErrorValue int64
	createdAt       time.Time

	mu                    sync.Mutex
	state                 wrapperState
	kind                  TransactionWrapperKind
	cm                    *ConnectionManager
	uowCoordinator        transaction.Coordinator
	sharedPoolCoordinator transaction.Coordinator
	inSharedPool          bool
	handles               []connector.Handle
	handleCount           int
	handleTrace           error
	subject               *connector.Subject
	cri                   connector.ConnectionRequestInfo
	lastUsedAt            time.Time
	xaResource            connector.XAResource

	localTx   *LocalTransactionWrapper
	xaTx      *XATransactionWrapper
	noTx      *NoTransactionWrapper
	rrsGlobal *RRSGlobalTransactionWrapper
	rrsLocal  *RRSLocalTransactionWrapper
}

func newConnectionWrapper(
	pm *PoolManager,
	fp *freePool,
	mc connector.ManagedConnection,
	subject *connector.Subject,
	cri connector.ConnectionRequestInfo,
) (*ConnectionWrapper, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	now := time.Now()
	w := &ConnectionWrapper{
		id:         id.String(),
		pm:         pm,
		fp:         fp,
		mc:         mc,
		state:      stateNew,
		subject:    subject,
		cri:        cri,
		createdAt:  now,
		lastUsedAt: now,
	}
	w.logger = pm.logger.WithField("connection", w.id)
	w.listener = &eventListener{w: w}
	return w, nil
}

func (w *ConnectionWrapper) ID() string {
	return w.id
}

func (w *ConnectionWrapper) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Sprintf(
		"MCWrapper id %s Managed connection %p State:%s Tran wrapper:%s Handle count:%d",
		w.id, w.mc, w.state, w.kind, w.handleCount,
	)
}

func (w *ConnectionWrapper) ManagedConnection() connector.ManagedConnection {
	return w.mc
}

func (w *ConnectionWrapper) Subject() *connector.Subject {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subject
}

func (w *ConnectionWrapper) ConnectionRequestInfo() connector.ConnectionRequestInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cri
}

func (w *ConnectionWrapper) SharedPoolCoordinator() transaction.Coordinator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sharedPoolCoordinator
}

func (w *ConnectionWrapper) SetSharedPoolCoordinator(c transaction.Coordinator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sharedPoolCoordinator = c
}

func (w *ConnectionWrapper) HandleCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handleCount
}

// HandleTrace is the stack captured when the first open handle was obtained.
func (w *ConnectionWrapper) HandleTrace() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handleTrace
}

func (w *ConnectionWrapper) PoolState() PoolState {
	return PoolState(w.poolState.Load())
}

func (w *ConnectionWrapper) setPoolState(s PoolState) {
	w.poolState.Store(int32(s))
}

// beginRelease moves an in-use connection to the transition state. Only one
// caller wins, a connection that is free or already on its way back is refused.
func (w *ConnectionWrapper) beginRelease() bool {
	for {
		current := w.poolState.Load()
		switch PoolState(current) {
		case PoolStateShared, PoolStateUnshared, PoolStateGettingConnection:
		default:
			return false
		}
		if w.poolState.CompareAndSwap(current, int32(PoolStateTransition)) {
			return true
		}
	}
}

func (w *ConnectionWrapper) TransactionWrapperKind() TransactionWrapperKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kind
}

func (w *ConnectionWrapper) UOWCoordinator() transaction.Coordinator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uowCoordinator
}

func (w *ConnectionWrapper) setUOWCoordinator(c transaction.Coordinator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uowCoordinator = c
}

// updateUOWCoordinator re-derives the coordinator from ctx.
func (w *ConnectionWrapper) updateUOWCoordinator(ctx context.Context) transaction.Coordinator {
	c := transaction.FromContext(ctx)
	w.setUOWCoordinator(c)
	return c
}

func (w *ConnectionWrapper) connectionManager() *ConnectionManager {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cm
}

func (w *ConnectionWrapper) setConnectionManager(cm *ConnectionManager) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cm = cm
}

func (w *ConnectionWrapper) shareable() bool {
	cm := w.connectionManager()
	return cm != nil && cm.shareable
}

func (w *ConnectionWrapper) transactionManager() (transaction.Manager, error) {
	cm := w.connectionManager()
	if cm == nil {
		return nil, illegalState("connection %s has no connection manager", w.id)
	}
	return cm.tm, nil
}

func (w *ConnectionWrapper) isInSharedPool() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inSharedPool
}

func (w *ConnectionWrapper) setInSharedPool(in bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inSharedPool = in
}

func (w *ConnectionWrapper) enlistmentDisabled() bool {
	d, ok := w.mc.(connector.EnlistmentDisabler)
	return ok && d.EnlistmentDisabled()
}

func (w *ConnectionWrapper) managedXAResource() (connector.XAResource, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.xaResource == nil {
		xa, err := w.mc.XAResource()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		w.xaResource = xa
	}
	return w.xaResource, nil
}

func (w *ConnectionWrapper) markInUse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = stateActiveInUse
	w.lastUsedAt = time.Now()
}

// InvolvedInTransaction reports whether a transaction wrapper is in use.
func (w *ConnectionWrapper) InvolvedInTransaction() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateTranWrapperInUse
}

// TransactionComplete ends the transaction involvement of the wrapper.
func (w *ConnectionWrapper) TransactionComplete() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateTranWrapperInUse {
		return illegalState("transactionComplete on connection %s in state %s", w.id, w.state)
	}
	w.state = stateActiveInUse
	return nil
}

func (w *ConnectionWrapper) MarkStale() {
	w.stale.Store(true)
	if s, ok := w.mc.(connector.Staler); ok {
		s.MarkStale()
	}
}

func (w *ConnectionWrapper) IsStale() bool {
	return w.stale.Load()
}

func (w *ConnectionWrapper) MarkTransactionError() {
	w.txError.Store(true)
}

// ShouldBeDestroyed reports whether the wrapper must not go back to the free pool.
func (w *ConnectionWrapper) ShouldBeDestroyed() bool {
	return w.stale.Load() || w.txError.Load() || w.destroyState.Load()
}

func (w *ConnectionWrapper) hasFatalErrorNotificationOccurred(poolValue int64) bool {
	return w.fatalErrorValue < poolValue
}

func (w *ConnectionWrapper) hasAgedTimedOut(timeout time.Duration, now time.Time) bool {
	return timeout > 0 && now.Sub(w.createdAt) > timeout
}

func (w *ConnectionWrapper) hasIdleTimedOut(timeout time.Duration, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return timeout > 0 && now.Sub(w.lastUsedAt) > timeout
}

// GetConnection obtains a new handle from the managed connection.
func (w *ConnectionWrapper) GetConnection(ctx context.Context, subject *connector.Subject, cri connector.ConnectionRequestInfo) (connector.Handle, error) {
	if w.destroyed.Load() {
		return nil, illegalState("getConnection on destroyed connection %s", w.id)
	}
	handle, err := w.mc.GetConnection(ctx, subject, cri)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w.addHandle(handle)
	return handle, nil
}

func (w *ConnectionWrapper) addHandle(handle connector.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handleCount == 0 {
		w.handleTrace = errors.New("connection handle obtained")
	}
	w.handleCount++
	w.handles = append(w.handles, handle)
	w.lastUsedAt = time.Now()
}

// removeHandle forgets a closed handle and returns the handles left open. A
// handle the wrapper does not hold leaves the count unchanged and reports false.
func (w *ConnectionWrapper) removeHandle(handle connector.Handle) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	index := -1
	for i, h := range w.handles {
		if h == handle {
			index = i
			break
		}
	}
	if index < 0 || w.handleCount == 0 {
		w.logger.Debug("handle is not held by the connection")
		return w.handleCount, false
	}
	w.handles = append(w.handles[:index], w.handles[index+1:]...)
	w.handleCount--
	if w.handleCount == 0 {
		w.handleTrace = nil
	}
	return w.handleCount, true
}

func (w *ConnectionWrapper) clearHandles() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles = nil
	w.handleCount = 0
	w.handleTrace = nil
}

// ReleaseToPoolManager hands the wrapper back to its pool manager.
func (w *ConnectionWrapper) ReleaseToPoolManager() error {
	return w.pm.Release(w, w.SharedPoolCoordinator())
}

// useTransactionWrapper switches the wrapper to kind, the state moves to
// TranWrapperInUse unless deferred.
func (w *ConnectionWrapper) useTransactionWrapper(kind TransactionWrapperKind) (TransactionWrapper, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateTranWrapperInUse && w.kind != kind {
		return nil, illegalState("connection %s already uses %s, %s requested", w.id, w.kind, kind)
	}
	if w.state != stateActiveInUse && w.state != stateTranWrapperInUse {
		return nil, illegalState("connection %s in state %s cannot join a transaction", w.id, w.state)
	}

	w.kind = kind
	var tw TransactionWrapper
	deferState := false
	switch kind {
	case KindXA:
		if w.xaTx == nil {
			w.xaTx = &XATransactionWrapper{tranWrapper: tranWrapper{w: w}}
		}
		tw = w.xaTx
	case KindLocal:
		if w.localTx == nil {
			w.localTx = newLocalTransactionWrapper(w)
		}
		tw = w.localTx
		deferState = true
	case KindNoTransaction:
		if w.noTx == nil {
			w.noTx = &NoTransactionWrapper{tranWrapper: tranWrapper{w: w}}
		}
		tw = w.noTx
	case KindRRSGlobal:
		if w.rrsGlobal == nil {
			w.rrsGlobal = newRRSGlobalTransactionWrapper(w)
		}
		tw = w.rrsGlobal
	case KindRRSLocal:
		if w.rrsLocal == nil {
			w.rrsLocal = &RRSLocalTransactionWrapper{tranWrapper: tranWrapper{w: w}}
		}
		tw = w.rrsLocal
		deferState = true
	default:
		w.kind = KindNone
		return nil, illegalState("no transaction wrapper for kind %s", kind)
	}
	if !deferState {
		w.state = stateTranWrapperInUse
	}
	return tw, nil
}

func (w *ConnectionWrapper) transactionWrapperLocked() TransactionWrapper {
	switch w.kind {
	case KindXA:
		return w.xaTx
	case KindLocal:
		return w.localTx
	case KindNoTransaction:
		return w.noTx
	case KindRRSGlobal:
		return w.rrsGlobal
	case KindRRSLocal:
		return w.rrsLocal
	default:
		return nil
	}
}

func (w *ConnectionWrapper) transactionWrapper() TransactionWrapper {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transactionWrapperLocked()
}

// currentTransactionWrapper returns the wrapper in use, selecting one first for
// connections of dynamically enlisting adapters.
func (w *ConnectionWrapper) currentTransactionWrapper() (TransactionWrapper, error) {
	w.mu.Lock()
	state, kind, cm := w.state, w.kind, w.cm
	w.mu.Unlock()

	if state == stateActiveInUse && kind == KindNone && cm != nil && cm.dynamicEnlistment() {
		if err := cm.initializeForUOW(w, true); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateTranWrapperInUse && w.state != stateActiveInUse {
		return nil, illegalState("connection %s in state %s has no transaction wrapper", w.id, w.state)
	}
	tw := w.transactionWrapperLocked()
	if tw == nil {
		return nil, illegalState("connection %s has no transaction wrapper", w.id)
	}
	return tw, nil
}

// markTransactionWrapperInUse completes a deferred state change. An unshared
// connection of a shareable manager joins the shared pool of its coordinator.
func (w *ConnectionWrapper) markTransactionWrapperInUse() {
	w.mu.Lock()
	if w.state == stateActiveInUse {
		w.state = stateTranWrapperInUse
	}
	coordinator := w.uowCoordinator
	move := w.cm != nil && w.cm.shareable && !w.inSharedPool && coordinator != nil
	w.mu.Unlock()

	if move && w.PoolState() == PoolStateUnshared {
		w.pm.moveToShared(w, coordinator)
	}
}

// Cleanup resets the wrapper for reuse from the free pool.
func (w *ConnectionWrapper) Cleanup() error {
	w.mu.Lock()
	tw := w.transactionWrapperLocked()
	w.handles = nil
	w.handleCount = 0
	w.handleTrace = nil
	w.cm = nil
	w.uowCoordinator = nil
	w.kind = KindNone
	w.state = stateActiveFree
	w.mu.Unlock()

	w.doNotReuse.Store(false)
	if tw != nil {
		tw.Cleanup()
	}
	if err := w.mc.Cleanup(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Destroy closes the managed connection and releases transaction wrapper resources.
func (w *ConnectionWrapper) Destroy() error {
	w.mc.RemoveConnectionEventListener(w.listener)
	err := w.mc.Destroy()

	w.mu.Lock()
	var wrappers []TransactionWrapper
	if w.localTx != nil {
		wrappers = append(wrappers, w.localTx)
	}
	if w.xaTx != nil {
		wrappers = append(wrappers, w.xaTx)
	}
	if w.noTx != nil {
		wrappers = append(wrappers, w.noTx)
	}
	if w.rrsGlobal != nil {
		wrappers = append(wrappers, w.rrsGlobal)
	}
	if w.rrsLocal != nil {
		wrappers = append(wrappers, w.rrsLocal)
	}
	w.state = stateInactive
	w.kind = KindNone
	w.xaResource = nil
	w.mu.Unlock()

	for _, tw := range wrappers {
		tw.ReleaseResources()
	}
	return errors.WithStack(err)
}

// Abort tears the managed connection down without cleanup, it reports false
// when the adapter cannot abort.
func (w *ConnectionWrapper) Abort() bool {
	a, ok := w.mc.(connector.Aborter)
	if !ok {
		return false
	}
	if err := a.Abort(); err != nil {
		w.logger.Warning(err, "abort failed")
		return false
	}
	return true
}

func (w *ConnectionWrapper) connectionErrorOccurred(event connector.ConnectionEvent) {
	if w.PoolState() == PoolStateGettingConnection {
		w.doNotReuse.Store(true)
		w.logger.Warning(event.Err, "connection error while obtaining a handle")
		return
	}

	if !w.IsStale() {
		if event.ID == connector.SingleConnectionErrorOccurred {
			w.MarkStale()
		} else {
			w.pm.FatalErrorNotification(w)
		}
	}
	w.logger.WithField("event", event.ID.String()).Warning(event.Err, "connection error occurred")

	w.mu.Lock()
	state, kind := w.state, w.kind
	w.mu.Unlock()

	switch {
	case state == stateActiveFree:
		w.pm.destroyFreeConnection(w)
		return
	case state == stateInactive || state == stateNew:
		return
	case state == stateTranWrapperInUse && kind != KindNoTransaction && kind != KindRRSLocal:
		// the transaction manager releases the connection on completion
		return
	}

	if state == stateTranWrapperInUse {
		if err := w.TransactionComplete(); err != nil {
			w.logger.Error(err, "transaction complete failed")
		}
	}
	w.clearHandles()
	if err := w.ReleaseToPoolManager(); err != nil {
		w.logger.Error(err, "release after connection error failed")
	}
}
