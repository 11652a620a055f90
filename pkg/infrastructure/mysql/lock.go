package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockTimeout   = errors.New("lock timed out")
	ErrLockNotLocked = errors.New("lock not locked")
	ErrLockNotFound  = errors.New("lock not found")
)

// Lock is a MySQL named lock held by the session behind a Connection. A lock
// still held when the session goes back to the pool is released by Cleanup.
type Lock interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

func NewLock(lockName string, timeout time.Duration, conn *Connection) Lock {
	return &lock{
		lockName: lockName,
		timeout:  timeout,
		conn:     conn,
	}
}

type lock struct {
	lockName string
	timeout  time.Duration
	conn     *Connection
}

func (l *lock) Lock(ctx context.Context) error {
	const sqlQuery = "SELECT GET_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64), ?)"
	mc, err := l.conn.managedConnection()
	if err != nil {
		return err
	}
	var result sql.NullInt32
	if err = l.conn.GetContext(ctx, &result, sqlQuery, l.lockName, int(l.timeout.Seconds())); err != nil {
		return errors.WithStack(err)
	}
	if !result.Valid || result.Int32 == 0 {
		return errors.Wrapf(ErrLockTimeout, "lock %s", l.lockName)
	}
	mc.lockAcquired()
	return nil
}

func (l *lock) Unlock(ctx context.Context) error {
	const sqlQuery = "SELECT RELEASE_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64))"
	mc, err := l.conn.managedConnection()
	if err != nil {
		return err
	}
	var result sql.NullInt32
	if err = l.conn.GetContext(ctx, &result, sqlQuery, l.lockName); err != nil {
		return errors.WithStack(err)
	}
	if !result.Valid {
		return errors.Wrapf(ErrLockNotFound, "lock %s", l.lockName)
	}
	if result.Int32 == 0 {
		return errors.Wrapf(ErrLockNotLocked, "lock %s", l.lockName)
	}
	mc.lockReleased()
	return nil
}
