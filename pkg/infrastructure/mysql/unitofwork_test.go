package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/pool"
	txmanager "gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/transaction"
)

const xidPattern = `X'[0-9a-f]{32}',X'00000001',\d+`

type orderRepository struct {
	client ClientContext
}

func (r orderRepository) Store(ctx context.Context, id string) error {
	_, err := r.client.ExecContext(ctx, "INSERT INTO orders (id) VALUES (?)", id)
	return err
}

func newOrderRepository(client ClientContext) orderRepository {
	return orderRepository{client: client}
}

func newTestStack(t *testing.T, db *sqlx.DB) (*pool.ConnectionManager, txmanager.Manager, *pool.PoolManager) {
	t.Helper()
	logger := newTestLogger()

	config := pool.DefaultConfig()
	config.Name = "jdbc/orders"
	config.MaxConnections = 2
	config.ConnectionTimeout = 100 * time.Millisecond
	config.ReapTime = 0

	pm, err := pool.NewPoolManager(NewManagedConnectionFactory("orders-db", db, logger), config, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pm.Close()
	})

	tm := txmanager.NewManager(logger)
	cm, err := pool.NewConnectionManager(pm, pool.DefaultResourceRef(), tm, nil, logger)
	require.NoError(t, err)
	return cm, tm, pm
}

func expectCommittedBranch(mock sqlmock.Sqlmock, work func()) {
	mock.ExpectExec(`^XA START ` + xidPattern + `$`).WillReturnResult(sqlmock.NewResult(0, 0))
	work()
	mock.ExpectExec(`^XA END ` + xidPattern + `$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^XA COMMIT ` + xidPattern + ` ONE PHASE$`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectRolledBackBranch(mock sqlmock.Sqlmock, work func()) {
	mock.ExpectExec(`^XA START ` + xidPattern + `$`).WillReturnResult(sqlmock.NewResult(0, 0))
	work()
	mock.ExpectExec(`^XA END ` + xidPattern + `$`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^XA ROLLBACK ` + xidPattern + `$`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUnitOfWork(t *testing.T) {
	t.Run("commits the global transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, pm := newTestStack(t, db)
		uow := NewUnitOfWork[orderRepository](cm, tm, newOrderRepository)

		expectCommittedBranch(mock, func() {
			mock.ExpectExec(`^INSERT INTO orders`).WithArgs("o-1").WillReturnResult(sqlmock.NewResult(1, 1))
		})

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(repo orderRepository) error {
			return repo.Store(context.Background(), "o-1")
		})
		require.NoError(t, err)

		stats := pm.Stats()
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.Free)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("callback error rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, pm := newTestStack(t, db)
		uow := NewUnitOfWork[orderRepository](cm, tm, newOrderRepository)
		errRejected := errors.New("order rejected")

		expectRolledBackBranch(mock, func() {})

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(orderRepository) error {
			return errRejected
		})
		assert.ErrorIs(t, err, errRejected)
		assert.Equal(t, 1, pm.Stats().Free)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("panic rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, _ := newTestStack(t, db)
		uow := NewUnitOfWork[orderRepository](cm, tm, newOrderRepository)

		expectRolledBackBranch(mock, func() {})

		err := uow.ExecuteWithUnitOfWork(context.Background(), func(orderRepository) error {
			panic("boom")
		})
		assert.EqualError(t, err, "panic: boom")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("joins the transaction of the caller", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, pm := newTestStack(t, db)
		uow := NewUnitOfWork[orderRepository](cm, tm, newOrderRepository)

		expectCommittedBranch(mock, func() {
			mock.ExpectExec(`^INSERT INTO orders`).WithArgs("o-1").WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`^INSERT INTO orders`).WithArgs("o-2").WillReturnResult(sqlmock.NewResult(1, 1))
		})

		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)
		for _, id := range []string{"o-1", "o-2"} {
			err = uow.ExecuteWithUnitOfWork(ctx, func(repo orderRepository) error {
				return repo.Store(ctx, id)
			})
			require.NoError(t, err)
		}
		assert.Equal(t, 1, pm.Stats().Shared)

		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 1, pm.Stats().Total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLockableUnitOfWork(t *testing.T) {
	t.Run("lock is held until the transaction completes", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, _ := newTestStack(t, db)
		uow := NewLockableUnitOfWork[orderRepository](cm, tm, newOrderRepository)

		expectCommittedBranch(mock, func() {
			mock.ExpectQuery(`SELECT GET_LOCK`).WithArgs("orders", 5).
				WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
			mock.ExpectExec(`^INSERT INTO orders`).WithArgs("o-1").WillReturnResult(sqlmock.NewResult(1, 1))
		})
		mock.ExpectExec(`^DO RELEASE_ALL_LOCKS\(\)$`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := uow.ExecuteWithLockableUnitOfWork(context.Background(), "orders", 5*time.Second, func(repo orderRepository) error {
			return repo.Store(context.Background(), "o-1")
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		cm, tm, _ := newTestStack(t, db)
		uow := NewLockableUnitOfWork[orderRepository](cm, tm, newOrderRepository)

		expectRolledBackBranch(mock, func() {
			mock.ExpectQuery(`SELECT GET_LOCK`).WithArgs("orders", 1).
				WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(0))
		})

		called := false
		err := uow.ExecuteWithLockableUnitOfWork(context.Background(), "orders", time.Second, func(orderRepository) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.False(t, called)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
