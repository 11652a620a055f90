package transaction

import (
	"context"
	"encoding/binary"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const formatID = 0x1BAD

type participant struct {
	resource      connector.XAResource
	xid           connector.Xid
	recoveryToken int
	readOnly      bool
}

func newGlobalTransaction(id uuid.UUID, logger logging.Logger) *globalTransaction {
	return &globalTransaction{
		id:     id,
		status: transaction.StatusActive,
		logger: logger.WithField("transaction", id.String()),
	}
}

type globalTransaction struct {
	id     uuid.UUID
	logger logging.Logger
	syncs  synchronizations

	mu             sync.Mutex
	status         transaction.Status
	participants   []*participant
	onePhase       connector.XAResource
	recoveryTokens []int
}

func (tx *globalTransaction) ID() string {
	return tx.id.String()
}

func (tx *globalTransaction) Global() bool {
	return true
}

func (tx *globalTransaction) Resolver() transaction.Resolver {
	return transaction.ResolverContainerAtBoundary
}

func (tx *globalTransaction) Status() transaction.Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

func (tx *globalTransaction) SetRollbackOnly() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status == transaction.StatusActive {
		tx.status = transaction.StatusMarkedRollback
	}
}

func (tx *globalTransaction) RecoveryTokens() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]int(nil), tx.recoveryTokens...)
}

func (tx *globalTransaction) enlist(resource connector.XAResource, recoveryToken int, startFlags int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != transaction.StatusActive {
		return errors.Wrapf(ErrNotActive, "enlist in status %s", tx.status)
	}
	p := &participant{
		resource:      resource,
		xid:           tx.branchXid(len(tx.participants) + 1),
		recoveryToken: recoveryToken,
	}
	if err := resource.Start(p.xid, startFlags); err != nil {
		tx.status = transaction.StatusMarkedRollback
		return errors.Wrapf(err, "start branch %s", p.xid)
	}
	tx.participants = append(tx.participants, p)
	return nil
}

func (tx *globalTransaction) enlistOnePhase(resource connector.XAResource) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != transaction.StatusActive {
		return errors.Wrapf(ErrNotActive, "enlist in status %s", tx.status)
	}
	if tx.onePhase != nil {
		return errors.WithStack(ErrOnePhaseEnlisted)
	}
	if err := resource.Start(tx.branchXid(0), connector.TMNoFlags); err != nil {
		tx.status = transaction.StatusMarkedRollback
		return errors.Wrap(err, "start one-phase resource")
	}
	tx.onePhase = resource
	return nil
}

func (tx *globalTransaction) enlistRecoveryToken(recoveryToken int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != transaction.StatusActive {
		return errors.Wrapf(ErrNotActive, "enlist in status %s", tx.status)
	}
	tx.recoveryTokens = append(tx.recoveryTokens, recoveryToken)
	return nil
}

func (tx *globalTransaction) Commit(_ context.Context) error {
	status := tx.Status()
	if status == transaction.StatusMarkedRollback {
		tx.rollback()
		return errors.WithStack(ErrRolledBack)
	}
	if status != transaction.StatusActive {
		return errors.Wrapf(ErrNotActive, "commit in status %s", status)
	}

	tx.syncs.beforeCompletion()

	tx.mu.Lock()
	if tx.status == transaction.StatusMarkedRollback {
		tx.mu.Unlock()
		tx.rollback()
		return errors.WithStack(ErrRolledBack)
	}
	participants := append([]*participant(nil), tx.participants...)
	onePhase := tx.onePhase
	tx.mu.Unlock()

	for _, p := range participants {
		if err := p.resource.End(p.xid, connector.TMSuccess); err != nil {
			tx.logger.Warning(err, "end of branch failed, rolling back")
			tx.rollback()
			return errors.Wrap(ErrRolledBack, err.Error())
		}
	}

	var err error
	switch {
	case len(participants) == 0 && onePhase != nil:
		err = tx.commitOnePhase(onePhase, tx.branchXid(0))
	case len(participants) == 1 && onePhase == nil:
		err = tx.commitOnePhase(participants[0].resource, participants[0].xid)
	case len(participants) > 0:
		err = tx.commitTwoPhase(participants, onePhase)
	default:
		tx.setStatus(transaction.StatusCommitted)
	}

	tx.syncs.afterCompletion(tx.Status())
	return err
}

func (tx *globalTransaction) commitOnePhase(resource connector.XAResource, xid connector.Xid) error {
	tx.setStatus(transaction.StatusCommitting)
	err := resource.Commit(xid, true)
	if err == nil {
		tx.setStatus(transaction.StatusCommitted)
		return nil
	}
	var xaErr *connector.XAError
	if errors.As(err, &xaErr) && xaErr.RolledBack() {
		tx.setStatus(transaction.StatusRolledBack)
		return errors.Wrap(ErrRolledBack, err.Error())
	}
	tx.setStatus(transaction.StatusUnknown)
	return errors.Wrap(err, "one-phase commit")
}

func (tx *globalTransaction) commitTwoPhase(participants []*participant, onePhase connector.XAResource) error {
	tx.setStatus(transaction.StatusPreparing)
	for _, p := range participants {
		vote, err := p.resource.Prepare(p.xid)
		if err != nil {
			tx.logger.Warning(err, "prepare failed, rolling back")
			tx.rollbackParticipants(participants, onePhase)
			tx.setStatus(transaction.StatusRolledBack)
			return errors.Wrap(ErrRolledBack, err.Error())
		}
		p.readOnly = vote == connector.XAReadOnly
	}
	tx.setStatus(transaction.StatusPrepared)

	if onePhase != nil {
		if err := onePhase.Commit(tx.branchXid(0), true); err != nil {
			tx.logger.Warning(err, "last participant commit failed, rolling back")
			tx.rollbackParticipants(participants, nil)
			tx.setStatus(transaction.StatusRolledBack)
			return errors.Wrap(ErrRolledBack, err.Error())
		}
	}

	tx.setStatus(transaction.StatusCommitting)
	var err error
	for _, p := range participants {
		if p.readOnly {
			continue
		}
		err = liberr.Join(err, errors.Wrapf(p.resource.Commit(p.xid, false), "commit branch %s", p.xid))
	}
	tx.setStatus(transaction.StatusCommitted)
	return err
}

func (tx *globalTransaction) Rollback(_ context.Context) error {
	status := tx.Status()
	if status != transaction.StatusActive && status != transaction.StatusMarkedRollback {
		return errors.Wrapf(ErrNotActive, "rollback in status %s", status)
	}
	return tx.rollback()
}

func (tx *globalTransaction) rollback() error {
	tx.mu.Lock()
	participants := append([]*participant(nil), tx.participants...)
	onePhase := tx.onePhase
	tx.status = transaction.StatusRollingBack
	tx.mu.Unlock()

	for _, p := range participants {
		err := p.resource.End(p.xid, connector.TMFail)
		var xaErr *connector.XAError
		if err != nil && !(errors.As(err, &xaErr) && xaErr.RolledBack()) {
			tx.logger.Warning(err, "end of branch with TMFAIL failed")
		}
	}
	err := tx.rollbackParticipants(participants, onePhase)
	tx.setStatus(transaction.StatusRolledBack)
	tx.syncs.afterCompletion(transaction.StatusRolledBack)
	return err
}

func (tx *globalTransaction) rollbackParticipants(participants []*participant, onePhase connector.XAResource) error {
	var err error
	for _, p := range participants {
		err = liberr.Join(err, errors.Wrapf(p.resource.Rollback(p.xid), "rollback branch %s", p.xid))
	}
	if onePhase != nil {
		err = liberr.Join(err, errors.Wrap(onePhase.Rollback(tx.branchXid(0)), "rollback one-phase resource"))
	}
	if err != nil {
		tx.logger.Warning(err, "rollback failed")
	}
	return err
}

func (tx *globalTransaction) setStatus(status transaction.Status) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.status = status
}

func (tx *globalTransaction) branchXid(branch int) connector.Xid {
	bqual := make([]byte, 4)
	binary.BigEndian.PutUint32(bqual, uint32(branch))
	return connector.Xid{
		FormatID:            formatID,
		GlobalTransactionID: tx.id[:],
		BranchQualifier:     bqual,
	}
}
