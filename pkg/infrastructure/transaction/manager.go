package transaction

import (
	"context"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNotActive        = errors.New("transaction is not active")
	ErrRolledBack       = errors.New("transaction rolled back")
	ErrUnknownScope     = errors.New("coordinator does not belong to this transaction manager")
	ErrOnePhaseEnlisted = errors.New("one-phase resource already enlisted")
)

// Manager is an in-process transaction manager: global two-phase transactions
// and local transaction containments bound to context.Context.
type Manager interface {
	transaction.Manager

	Begin(ctx context.Context) (context.Context, Transaction, error)
	BeginLocal(ctx context.Context, resolver transaction.Resolver) (context.Context, LocalContainment, error)

	RecoveryInfo(token int) (RecoveryInfo, bool)
}

// Transaction is a global transaction.
type Transaction interface {
	transaction.Coordinator
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly()
	RecoveryTokens() []int
}

// LocalContainment is a local transaction containment.
type LocalContainment interface {
	transaction.Coordinator
	// Complete ends the containment, committing container resolved resources.
	Complete(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly()
}

type RecoveryInfo struct {
	Filter         string
	Info           []byte
	CommitPriority int
}

func NewManager(logger logging.Logger) Manager {
	return &manager{
		logger:        logger,
		recoveryInfos: make(map[int]RecoveryInfo),
	}
}

type manager struct {
	logger logging.Logger

	mu            sync.Mutex
	nextToken     int
	recoveryInfos map[int]RecoveryInfo
}

func (m *manager) Begin(ctx context.Context) (context.Context, Transaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ctx, nil, errors.WithStack(err)
	}
	tx := newGlobalTransaction(id, m.logger)
	return transaction.NewContext(ctx, tx), tx, nil
}

func (m *manager) BeginLocal(ctx context.Context, resolver transaction.Resolver) (context.Context, LocalContainment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ctx, nil, errors.WithStack(err)
	}
	ltc := newLocalContainment(id.String(), resolver, m.logger)
	return transaction.NewContext(ctx, ltc), ltc, nil
}

func (m *manager) RegisterResourceInfo(filter string, info []byte, commitPriority int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextToken++
	m.recoveryInfos[m.nextToken] = RecoveryInfo{
		Filter:         filter,
		Info:           info,
		CommitPriority: commitPriority,
	}
	return m.nextToken, nil
}

func (m *manager) RecoveryInfo(token int) (RecoveryInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.recoveryInfos[token]
	return info, ok
}

func (m *manager) Enlist(c transaction.Coordinator, resource connector.XAResource, recoveryToken int, startFlags int) error {
	tx, err := asGlobal(c)
	if err != nil {
		return err
	}
	return tx.enlist(resource, recoveryToken, startFlags)
}

func (m *manager) EnlistOnePhase(c transaction.Coordinator, resource connector.XAResource) error {
	tx, err := asGlobal(c)
	if err != nil {
		return err
	}
	return tx.enlistOnePhase(resource)
}

func (m *manager) EnlistRecoveryToken(c transaction.Coordinator, recoveryToken int) error {
	tx, err := asGlobal(c)
	if err != nil {
		return err
	}
	return tx.enlistRecoveryToken(recoveryToken)
}

func (m *manager) EnlistLocal(c transaction.Coordinator, resource transaction.LocalResource) error {
	ltc, err := asLocal(c)
	if err != nil {
		return err
	}
	return ltc.enlist(resource)
}

func (m *manager) EnlistForCleanup(c transaction.Coordinator, resource transaction.LocalResource) error {
	ltc, err := asLocal(c)
	if err != nil {
		return err
	}
	return ltc.enlistForCleanup(resource)
}

func (m *manager) DelistFromCleanup(c transaction.Coordinator, resource transaction.LocalResource) error {
	ltc, err := asLocal(c)
	if err != nil {
		return err
	}
	return ltc.delistFromCleanup(resource)
}

func (m *manager) RegisterSynchronization(c transaction.Coordinator, s transaction.Synchronization, tier transaction.SyncTier) error {
	switch scope := c.(type) {
	case *globalTransaction:
		return scope.syncs.register(s, tier, scope.Status())
	case *localContainment:
		return scope.syncs.register(s, tier, scope.Status())
	default:
		return errors.WithStack(ErrUnknownScope)
	}
}

func asGlobal(c transaction.Coordinator) (*globalTransaction, error) {
	tx, ok := c.(*globalTransaction)
	if !ok {
		return nil, errors.WithStack(ErrUnknownScope)
	}
	return tx, nil
}

func asLocal(c transaction.Coordinator) (*localContainment, error) {
	ltc, ok := c.(*localContainment)
	if !ok {
		return nil, errors.WithStack(ErrUnknownScope)
	}
	return ltc, nil
}
