package pool

import (
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// RRSGlobalTransactionWrapper takes part in global transactions through the
// resource manager's native hook, only the recovery token is pushed to the
// transaction manager.
type RRSGlobalTransactionWrapper struct {
	tranWrapper
	completion *rrsCompletion
}

func newRRSGlobalTransactionWrapper(w *ConnectionWrapper) *RRSGlobalTransactionWrapper {
	t := &RRSGlobalTransactionWrapper{tranWrapper: tranWrapper{w: w}}
	t.completion = &rrsCompletion{t: t}
	return t
}

func (t *RRSGlobalTransactionWrapper) Kind() TransactionWrapperKind {
	return KindRRSGlobal
}

// AddSync registers twice: the regular tier only observes, the release runs in
// the RRS tier after every regular participant is done.
func (t *RRSGlobalTransactionWrapper) AddSync() (bool, error) {
	if t.registeredForSync.Load() {
		return true, nil
	}
	c, tm, err := t.coordinator()
	if err != nil {
		return false, err
	}
	if err = tm.RegisterSynchronization(c, t, transaction.SyncTierNormal); err != nil {
		return false, errors.Wrapf(err, "register synchronization for connection %s", t.w.id)
	}
	if err = tm.RegisterSynchronization(c, t.completion, transaction.SyncTierRRS); err != nil {
		return false, errors.Wrapf(err, "register rrs synchronization for connection %s", t.w.id)
	}
	t.registeredForSync.Store(true)
	return true, nil
}

func (t *RRSGlobalTransactionWrapper) Enlist() error {
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
	if err = tm.EnlistRecoveryToken(c, t.w.connectionManager().recoveryToken); err != nil {
		t.w.MarkTransactionError()
		return errors.Wrapf(err, "enlist connection %s", t.w.id)
	}
	t.enlisted.Store(true)
	return nil
}

func (t *RRSGlobalTransactionWrapper) Delist() error {
	t.enlisted.Store(false)
	return nil
}

func (t *RRSGlobalTransactionWrapper) AfterCompletion(status transaction.Status) {
	t.w.logger.Debug("rrs transaction completed with status ", status)
}

type rrsCompletion struct {
	t *RRSGlobalTransactionWrapper
}

func (c *rrsCompletion) BeforeCompletion() {}

func (c *rrsCompletion) AfterCompletion(status transaction.Status) {
	c.t.completeAndRelease(status)
}

// RRSLocalTransactionWrapper marks local work of adapters whose local
// transactions are resolved by RRS.
type RRSLocalTransactionWrapper struct {
	tranWrapper
}

func (t *RRSLocalTransactionWrapper) Kind() TransactionWrapperKind {
	return KindRRSLocal
}

func (t *RRSLocalTransactionWrapper) AddSync() (bool, error) {
	w := t.w
	c := w.UOWCoordinator()
	if c == nil || w.enlistmentDisabled() {
		return false, nil
	}
	if c.Resolver() == transaction.ResolverApplication && !w.shareable() {
		return false, nil
	}
	return t.registerSync(t, transaction.SyncTierNormal)
}

func (t *RRSLocalTransactionWrapper) Enlist() error {
	if t.enlisted.Load() {
		return nil
	}
	if err := t.checkRollback(); err != nil {
		return err
	}
	t.enlisted.Store(true)
	t.w.markTransactionWrapperInUse()
	return nil
}

func (t *RRSLocalTransactionWrapper) Delist() error {
	t.enlisted.Store(false)
	return nil
}

func (t *RRSLocalTransactionWrapper) AfterCompletion(status transaction.Status) {
	t.completeAndRelease(status)
}
