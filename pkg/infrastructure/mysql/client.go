package mysql

import (
	"context"
	"database/sql"
)

// ClientContext is the query surface repositories are built on. A Connection
// routes it to the local transaction of its managed connection when one is active.
type ClientContext interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}
