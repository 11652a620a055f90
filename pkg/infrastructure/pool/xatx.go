package pool

import (
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// XATransactionWrapper enlists the adapter XA resource in global transactions.
type XATransactionWrapper struct {
	tranWrapper
}

func (t *XATransactionWrapper) Kind() TransactionWrapperKind {
	return KindXA
}

func (t *XATransactionWrapper) AddSync() (bool, error) {
	return t.registerSync(t, transaction.SyncTierNormal)
}

func (t *XATransactionWrapper) Enlist() error {
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
	cm := t.w.connectionManager()
	flags, ok := cm.SupportsBranchCoupling(cm.ref.BranchCoupling)
	if !ok {
		return errors.Errorf("branch coupling %s is not supported by %s", cm.ref.BranchCoupling, cm.pm.name)
	}

	if err = tm.Enlist(c, t, cm.recoveryToken, flags); err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "enlist connection %s", t.w.id)
	}
	t.enlisted.Store(true)
	return nil
}

func (t *XATransactionWrapper) Delist() error {
	t.enlisted.Store(false)
	return nil
}

func (t *XATransactionWrapper) AfterCompletion(status transaction.Status) {
	t.completeAndRelease(status)
}

func (t *XATransactionWrapper) Start(xid connector.Xid, flags int) error {
	xa, err := t.w.managedXAResource()
	if err == nil {
		err = xa.Start(xid, flags)
	}
	if err != nil {
		return t.failure("start", err)
	}
	return nil
}

func (t *XATransactionWrapper) End(xid connector.Xid, flags int) error {
	xa, err := t.w.managedXAResource()
	if err == nil {
		err = xa.End(xid, flags)
	}
	if err == nil {
		return nil
	}
	var xaErr *connector.XAError
	if flags&connector.TMFail != 0 && errors.As(err, &xaErr) && xaErr.RolledBack() {
		t.w.logger.Debug("branch already rolled back on end: ", xaErr)
		return xaErr
	}
	return t.failure("end", err)
}

func (t *XATransactionWrapper) Prepare(xid connector.Xid) (int, error) {
	xa, err := t.w.managedXAResource()
	if err != nil {
		return 0, t.failure("prepare", err)
	}
	vote, err := xa.Prepare(xid)
	if err != nil {
		return vote, t.failure("prepare", err)
	}
	return vote, nil
}

func (t *XATransactionWrapper) Commit(xid connector.Xid, onePhase bool) error {
	xa, err := t.w.managedXAResource()
	if err == nil {
		err = xa.Commit(xid, onePhase)
	}
	if err != nil {
		return t.failure("commit", err)
	}
	return nil
}

func (t *XATransactionWrapper) Rollback(xid connector.Xid) error {
	t.rollbackOccurred.Store(true)
	xa, err := t.w.managedXAResource()
	if err == nil {
		err = xa.Rollback(xid)
	}
	if err != nil {
		return t.failure("rollback", err)
	}
	return nil
}

func (t *XATransactionWrapper) Recover(flags int) ([]connector.Xid, error) {
	xa, err := t.w.managedXAResource()
	if err != nil {
		return nil, t.failure("recover", err)
	}
	xids, err := xa.Recover(flags)
	if err != nil {
		return nil, t.failure("recover", err)
	}
	return xids, nil
}

func (t *XATransactionWrapper) Forget(xid connector.Xid) error {
	xa, err := t.w.managedXAResource()
	if err == nil {
		err = xa.Forget(xid)
	}
	if err != nil {
		return t.failure("forget", err)
	}
	return nil
}

// failure converts an adapter error into an XAError. After XAER_RMERR and
// XAER_RMFAIL the connection is not reused.
func (t *XATransactionWrapper) failure(op string, err error) error {
	var xaErr *connector.XAError
	if !errors.As(err, &xaErr) {
		xaErr = &connector.XAError{Code: connector.XAERRMErr, Message: op, Cause: err}
	}
	if xaErr.Fatal() {
		t.w.MarkStale()
	}
	t.w.logger.WithField("op", op).Warning(err, "xa resource failed")
	return xaErr
}
