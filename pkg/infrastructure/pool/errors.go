package pool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIllegalState          = errors.New("illegal state")
	ErrResource              = errors.New("resource error")
	ErrConnectionWaitTimeout = errors.New("connection not available, timed out waiting")
	ErrPoolShutdown          = errors.New("pool requests blocked, connection pool is being shut down")
	ErrStaleConnection       = errors.New("connection error occurred while the handle was obtained")
	ErrNoManagedConnection   = errors.New("pool manager returned no managed connection")
	ErrUnknownConnection     = errors.New("managed connection is not known to the pool")
)

// ResourceError is returned to callers of the connection manager when the
// resource adapter or the pool fails a request.
type ResourceError struct {
	Pool       string
	Connection string
	Op         string
	Err        error
}

func (e *ResourceError) Error() string {
	if e.Connection == "" {
		return fmt.Sprintf("%s: %s: %v", e.Pool, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s on connection %s: %v", e.Pool, e.Op, e.Connection, e.Err)
}

func (e *ResourceError) Unwrap() []error {
	return []error{ErrResource, e.Err}
}

func newResourceError(pool, connection, op string, err error) error {
	var resourceErr *ResourceError
	if errors.As(err, &resourceErr) {
		return err
	}
	return &ResourceError{
		Pool:       pool,
		Connection: connection,
		Op:         op,
		Err:        errors.WithStack(err),
	}
}

func illegalState(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIllegalState, format, args...)
}
