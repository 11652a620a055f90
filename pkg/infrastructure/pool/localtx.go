package pool

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// LocalTransactionWrapper drives the adapter local transaction. In a global
// transaction it takes part as a one-phase XA resource, in a local containment
// it is a local resource.
type LocalTransactionWrapper struct {
	tranWrapper
	localTransaction connector.LocalTransaction
	resource         *localResource
}

func newLocalTransactionWrapper(w *ConnectionWrapper) *LocalTransactionWrapper {
	t := &LocalTransactionWrapper{tranWrapper: tranWrapper{w: w}}
	t.resource = &localResource{t: t}
	return t
}

func (t *LocalTransactionWrapper) Kind() TransactionWrapperKind {
	return KindLocal
}

func (t *LocalTransactionWrapper) AddSync() (bool, error) {
	w := t.w
	if w.enlistmentDisabled() {
		return false, nil
	}
	c := w.UOWCoordinator()
	if c == nil {
		return false, nil
	}
	// cleanup of unshared application resolved work waits for close or commit
	if !c.Global() && c.Resolver() == transaction.ResolverApplication && !w.shareable() {
		return false, nil
	}
	return t.registerSync(t, transaction.SyncTierNormal)
}

func (t *LocalTransactionWrapper) Enlist() error {
	if t.enlisted.Load() {
		return nil
	}
	if err := t.checkRollback(); err != nil {
		return err
	}
	c, tm, err := t.coordinator()
	if err != nil {
		return err
	}

	switch {
	case c.Global():
		err = tm.EnlistOnePhase(c, t)
	case c.Resolver() == transaction.ResolverContainerAtBoundary:
		err = tm.EnlistLocal(c, t.resource)
	default:
		err = tm.EnlistForCleanup(c, t.resource)
	}
	if err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "enlist connection %s", t.w.id)
	}

	t.enlisted.Store(true)
	t.w.markTransactionWrapperInUse()
	return nil
}

func (t *LocalTransactionWrapper) Delist() error {
	if !t.enlisted.Swap(false) {
		t.w.logger.Debug("delist of a connection which is not enlisted")
		return nil
	}
	w := t.w
	c := w.UOWCoordinator()
	if c != nil && !c.Global() && c.Resolver() == transaction.ResolverApplication {
		tm, err := w.transactionManager()
		if err == nil {
			err = tm.DelistFromCleanup(c, t.resource)
		}
		if err != nil {
			w.MarkTransactionError()
			return errors.Wrapf(err, "delist connection %s", w.id)
		}
	}
	if !t.registeredForSync.Load() && w.InvolvedInTransaction() {
		return w.TransactionComplete()
	}
	return nil
}

func (t *LocalTransactionWrapper) AfterCompletion(status transaction.Status) {
	t.completeAndRelease(status)
}

func (t *LocalTransactionWrapper) ReleaseResources() {
	t.localTransaction = nil
}

func (t *LocalTransactionWrapper) adapterTransaction() (connector.LocalTransaction, error) {
	if t.localTransaction == nil {
		lt, err := t.w.mc.LocalTransaction()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		t.localTransaction = lt
	}
	return t.localTransaction, nil
}

func (t *LocalTransactionWrapper) begin() error {
	lt, err := t.adapterTransaction()
	if err == nil {
		err = lt.Begin(context.Background())
	}
	if err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "begin local transaction on connection %s", t.w.id)
	}
	return nil
}

func (t *LocalTransactionWrapper) commit() error {
	lt, err := t.adapterTransaction()
	if err == nil {
		err = lt.Commit(context.Background())
	}
	if err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "commit local transaction on connection %s", t.w.id)
	}
	return nil
}

func (t *LocalTransactionWrapper) rollback() error {
	lt, err := t.adapterTransaction()
	if err == nil {
		err = lt.Rollback(context.Background())
	}
	if err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "rollback local transaction on connection %s", t.w.id)
	}
	return nil
}

func (t *LocalTransactionWrapper) Start(_ connector.Xid, _ int) error {
	if err := t.begin(); err != nil {
		return &connector.XAError{Code: connector.XAERRMErr, Message: "start", Cause: err}
	}
	return nil
}

func (t *LocalTransactionWrapper) End(_ connector.Xid, _ int) error {
	return nil
}

func (t *LocalTransactionWrapper) Prepare(xid connector.Xid) (int, error) {
	return connector.XAOK, t.protocolError("prepare", xid)
}

func (t *LocalTransactionWrapper) Commit(xid connector.Xid, onePhase bool) error {
	if !onePhase {
		return t.protocolError("two-phase commit", xid)
	}
	if err := t.commit(); err != nil {
		return &connector.XAError{Code: connector.XAERRMErr, Message: "commit", Cause: err}
	}
	return nil
}

func (t *LocalTransactionWrapper) Rollback(_ connector.Xid) error {
	t.rollbackOccurred.Store(true)
	if err := t.rollback(); err != nil {
		return &connector.XAError{Code: connector.XAERRMErr, Message: "rollback", Cause: err}
	}
	return nil
}

func (t *LocalTransactionWrapper) Recover(_ int) ([]connector.Xid, error) {
	return nil, nil
}

func (t *LocalTransactionWrapper) Forget(_ connector.Xid) error {
	return nil
}

func (t *LocalTransactionWrapper) OnePhase() {}

// protocolError reports a request a one-phase resource cannot serve. The connection
// is cleaned up through a synthesized connection error event first.
func (t *LocalTransactionWrapper) protocolError(op string, xid connector.Xid) error {
	err := connector.NewXAError(connector.XAERProto, op+" requested from a one-phase resource, xid "+xid.String())
	if listenerErr := t.w.listener.ConnectionErrorOccurred(connector.ConnectionEvent{
		ID:     connector.ConnectionErrorOccurred,
		Source: t.w.mc,
		Err:    err,
	}); listenerErr != nil {
		t.w.logger.Error(listenerErr, "connection error event failed")
	}
	return err
}

// localResource is what a local containment sees of a LocalTransactionWrapper.
type localResource struct {
	t *LocalTransactionWrapper
}

func (r *localResource) Start() error {
	return r.t.begin()
}

func (r *localResource) Commit() error {
	return r.t.commit()
}

// Rollback either ends container resolved work or cleans up work the application
// left unresolved at the end of the containment.
func (r *localResource) Rollback() error {
	t := r.t
	if t.registeredForSync.Load() {
		t.rollbackOccurred.Store(true)
		return t.rollback()
	}

	err := t.rollback()
	t.enlisted.Store(false)
	w := t.w
	if w.InvolvedInTransaction() {
		if completeErr := w.TransactionComplete(); completeErr != nil {
			w.logger.Error(completeErr, "transaction complete failed")
		}
	}
	if w.HandleCount() == 0 {
		if releaseErr := w.ReleaseToPoolManager(); releaseErr != nil {
			w.logger.Error(releaseErr, "release after unresolved local transaction failed")
		}
	} else {
		w.setUOWCoordinator(nil)
	}
	return err
}
