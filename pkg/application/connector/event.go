package connector

import "context"

type EventID int

const (
	ConnectionClosed              EventID = 1
	LocalTransactionStarted       EventID = 2
	LocalTransactionCommitted     EventID = 3
	LocalTransactionRolledback    EventID = 4
	ConnectionErrorOccurred       EventID = 5
	SingleConnectionErrorOccurred EventID = 51
)

func (id EventID) String() string {
	switch id {
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case LocalTransactionStarted:
		return "LOCAL_TRANSACTION_STARTED"
	case LocalTransactionCommitted:
		return "LOCAL_TRANSACTION_COMMITTED"
	case LocalTransactionRolledback:
		return "LOCAL_TRANSACTION_ROLLEDBACK"
	case ConnectionErrorOccurred:
		return "CONNECTION_ERROR_OCCURRED"
	case SingleConnectionErrorOccurred:
		return "SINGLE_CONNECTION_ERROR_OCCURRED"
	default:
		return "UNKNOWN"
	}
}

type ConnectionEvent struct {
	ID     EventID
	Source ManagedConnection
	Handle Handle
	Err    error
	// Context is the context of the handle call that fired the event, it carries the
	// current transaction coordinator.
	Context context.Context
}

// ConnectionEventListener receives events fired by managed connections.
type ConnectionEventListener interface {
	ConnectionClosed(event ConnectionEvent) error
	ConnectionErrorOccurred(event ConnectionEvent) error
	LocalTransactionStarted(event ConnectionEvent) error
	LocalTransactionCommitted(event ConnectionEvent) error
	LocalTransactionRolledback(event ConnectionEvent) error
}
