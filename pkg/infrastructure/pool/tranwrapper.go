package pool

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// TransactionWrapper joins a connection wrapper to a unit of work. Instances are
// owned by one connection wrapper: Cleanup resets them when the connection goes
// back to the free pool, ReleaseResources runs once when it is destroyed.
type TransactionWrapper interface {
	transaction.Synchronization

	Kind() TransactionWrapperKind
	// AddSync registers for completion callbacks and reports whether it did.
	AddSync() (bool, error)
	Enlist() error
	Delist() error
	IsEnlisted() bool
	IsRegisteredForSync() bool
	Cleanup()
	ReleaseResources()
}

type tranWrapper struct {
	w                 *ConnectionWrapper
	enlisted          atomic.Bool
	registeredForSync atomic.Bool
	rollbackOccurred  atomic.Bool
}

func (t *tranWrapper) IsEnlisted() bool {
	return t.enlisted.Load()
}

func (t *tranWrapper) IsRegisteredForSync() bool {
	return t.registeredForSync.Load()
}

func (t *tranWrapper) Cleanup() {
	t.enlisted.Store(false)
	t.registeredForSync.Store(false)
	t.rollbackOccurred.Store(false)
}

func (t *tranWrapper) ReleaseResources() {}

func (t *tranWrapper) BeforeCompletion() {}

func (t *tranWrapper) coordinator() (transaction.Coordinator, transaction.Manager, error) {
	c := t.w.UOWCoordinator()
	if c == nil {
		return nil, nil, illegalState("connection %s has no unit of work", t.w.id)
	}
	tm, err := t.w.transactionManager()
	if err != nil {
		return nil, nil, err
	}
	return c, tm, nil
}

func (t *tranWrapper) checkRollback() error {
	if t.rollbackOccurred.Load() {
		return illegalState("connection %s is used after its transaction was rolled back", t.w.id)
	}
	return nil
}

func (t *tranWrapper) registerSync(s transaction.Synchronization, tier transaction.SyncTier) (bool, error) {
	if t.registeredForSync.Load() {
		return true, nil
	}
	c, tm, err := t.coordinator()
	if err != nil {
		return false, err
	}
	if err = tm.RegisterSynchronization(c, s, tier); err != nil {
		return false, errors.Wrapf(err, "register synchronization for connection %s", t.w.id)
	}
	t.registeredForSync.Store(true)
	return true, nil
}

// completeAndRelease ends the transaction involvement. Shareable, handle-less and
// stale connections go back to the pool, others only forget the coordinator.
func (t *tranWrapper) completeAndRelease(status transaction.Status) {
	w := t.w
	logger := w.logger.WithField("status", status.String())
	if !t.registeredForSync.Swap(false) {
		logger.Debug("ignoring completion of a released connection")
		return
	}
	t.rollbackOccurred.Store(false)
	t.enlisted.Store(false)

	if w.InvolvedInTransaction() {
		if err := w.TransactionComplete(); err != nil {
			logger.Error(err, "transaction complete failed")
		}
	}
	if w.shareable() || w.HandleCount() == 0 || w.IsStale() {
		if err := w.ReleaseToPoolManager(); err != nil {
			logger.Error(err, "release after transaction completion failed")
		}
		return
	}
	w.setUOWCoordinator(nil)
}

// NoTransactionWrapper is used by connections that never take part in transactions.
type NoTransactionWrapper struct {
	tranWrapper
}

func (t *NoTransactionWrapper) Kind() TransactionWrapperKind {
	return KindNoTransaction
}

func (t *NoTransactionWrapper) AddSync() (bool, error) {
	return false, nil
}

func (t *NoTransactionWrapper) Enlist() error {
	return nil
}

func (t *NoTransactionWrapper) Delist() error {
	return nil
}

func (t *NoTransactionWrapper) AfterCompletion(transaction.Status) {}
