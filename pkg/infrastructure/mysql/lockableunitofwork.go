package mysql

import (
	"context"
	"time"
)

type LockableUnitOfWork[RepositoryProvider any] interface {
	UnitOfWork[RepositoryProvider]
	// ExecuteWithLockableUnitOfWork takes a named lock on the connection of the unit of work
	// before running callback. The lock is held until the connection returns to the pool,
	// that is until the transaction completes.
	ExecuteWithLockableUnitOfWork(ctx context.Context, lockName string, lockTimeout time.Duration, callback func(provider RepositoryProvider) error) error
}

func NewLockableUnitOfWork[RepositoryProvider any](
	allocator ConnectionAllocator,
	tm TransactionManager,
	builder RepositoryProviderBuilder[RepositoryProvider],
) LockableUnitOfWork[RepositoryProvider] {
	return &lockableUnitOfWork[RepositoryProvider]{
		unitOfWork: &unitOfWork[RepositoryProvider]{
			allocator: allocator,
			tm:        tm,
			builder:   builder,
		},
	}
}

type lockableUnitOfWork[RepositoryProvider any] struct {
	*unitOfWork[RepositoryProvider]
}

func (uow *lockableUnitOfWork[RepositoryProvider]) ExecuteWithLockableUnitOfWork(
	ctx context.Context,
	lockName string,
	lockTimeout time.Duration,
	callback func(provider RepositoryProvider) error,
) error {
	return uow.executeInTransaction(ctx, func(ctx context.Context, conn *Connection) error {
		return NewLock(lockName, lockTimeout, conn).Lock(ctx)
	}, callback)
}
