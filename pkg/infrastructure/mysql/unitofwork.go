package mysql

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
	txmanager "gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/transaction"
)

type RepositoryProviderBuilder[RepositoryProvider any] func(client ClientContext) RepositoryProvider

type UnitOfWork[RepositoryProvider any] interface {
	ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error
}

// ConnectionAllocator hands out pooled connection handles enlisted in the unit of work of ctx.
type ConnectionAllocator interface {
	AllocateConnection(ctx context.Context, cri connector.ConnectionRequestInfo) (connector.Handle, error)
}

type TransactionManager interface {
	Begin(ctx context.Context) (context.Context, txmanager.Transaction, error)
}

// NewUnitOfWork runs callbacks in a global transaction. A callback started inside
// a unit of work of the caller joins it, and the caller decides the outcome.
func NewUnitOfWork[RepositoryProvider any](
	allocator ConnectionAllocator,
	tm TransactionManager,
	builder RepositoryProviderBuilder[RepositoryProvider],
) UnitOfWork[RepositoryProvider] {
	return &unitOfWork[RepositoryProvider]{
		allocator: allocator,
		tm:        tm,
		builder:   builder,
	}
}

type unitOfWork[RepositoryProvider any] struct {
	allocator ConnectionAllocator
	tm        TransactionManager
	builder   RepositoryProviderBuilder[RepositoryProvider]
}

func (uow *unitOfWork[RepositoryProvider]) ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error {
	return uow.executeInTransaction(ctx, nil, callback)
}

func (uow *unitOfWork[RepositoryProvider]) executeInTransaction(
	ctx context.Context,
	prepare func(ctx context.Context, conn *Connection) error,
	callback func(provider RepositoryProvider) error,
) (err error) {
	if transaction.FromContext(ctx) != nil {
		return uow.execute(ctx, prepare, callback)
	}

	ctx, tx, err := uow.tm.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = liberr.Recovered(r)
		}
		if err != nil {
			err = liberr.Join(err, tx.Rollback(ctx))
			return
		}
		err = tx.Commit(ctx)
	}()
	return uow.execute(ctx, prepare, callback)
}

func (uow *unitOfWork[RepositoryProvider]) execute(
	ctx context.Context,
	prepare func(ctx context.Context, conn *Connection) error,
	callback func(provider RepositoryProvider) error,
) (err error) {
	handle, err := uow.allocator.AllocateConnection(ctx, nil)
	if err != nil {
		return err
	}
	conn, ok := handle.(*Connection)
	if !ok {
		return errors.Errorf("unexpected connection handle %T", handle)
	}
	defer func() {
		err = liberr.Join(err, conn.Close())
	}()

	if prepare != nil {
		if err = prepare(ctx, conn); err != nil {
			return err
		}
	}
	return callback(uow.builder(conn))
}
