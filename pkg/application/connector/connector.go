// Package connector describes the contract between the connection pool and
// resource adapters: managed connection factories, managed connections,
// local transactions, XA resources and connection events.
package connector

import "context"

type TransactionSupportLevel int

const (
	NoTransaction TransactionSupportLevel = iota
	LocalTransactionSupport
	XATransactionSupport
)

func (l TransactionSupportLevel) String() string {
	switch l {
	case NoTransaction:
		return "NoTransaction"
	case LocalTransactionSupport:
		return "LocalTransaction"
	case XATransactionSupport:
		return "XATransaction"
	default:
		return "Unknown"
	}
}

// Handle is the application facing connection object an adapter hands out.
type Handle interface{}

// ConnectionRequestInfo carries adapter specific request parameters.
type ConnectionRequestInfo interface {
	Equal(other ConnectionRequestInfo) bool
	Hash() uint32
}

type ManagedConnectionFactory interface {
	// ID identifies the physical resource, it is a part of connection manager keys.
	ID() string
	TransactionSupport() TransactionSupportLevel
	CreateManagedConnection(ctx context.Context, subject *Subject, cri ConnectionRequestInfo) (ManagedConnection, error)
}

type ManagedConnection interface {
	GetConnection(ctx context.Context, subject *Subject, cri ConnectionRequestInfo) (Handle, error)
	AssociateConnection(handle Handle) error
	Cleanup() error
	Destroy() error

	AddConnectionEventListener(listener ConnectionEventListener)
	RemoveConnectionEventListener(listener ConnectionEventListener)

	LocalTransaction() (LocalTransaction, error)
	XAResource() (XAResource, error)
}

type LocalTransaction interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Matcher is implemented by factories that pick reusable connections themselves.
type Matcher interface {
	MatchManagedConnection(candidate ManagedConnection, subject *Subject, cri ConnectionRequestInfo) bool
}

// Validator is implemented by managed connections that can be pretested before reuse.
type Validator interface {
	Validate(ctx context.Context) error
}

// Aborter is implemented by managed connections that can be torn down without cleanup.
type Aborter interface {
	Abort() error
}

// Staler lets the pool tell an adapter its connection will not be reused.
type Staler interface {
	MarkStale()
}

// DynamicEnlistment is implemented by factories whose connections call LazyEnlist
// before doing transactional work.
type DynamicEnlistment interface {
	DynamicEnlistmentSupported() bool
}

// SynchronizationProvider is implemented by factories whose connections drive
// their own transaction synchronization.
type SynchronizationProvider interface {
	ConnectionSynchronizationProvider() bool
}

// CCILocalTransaction is implemented by factories which support adapter level
// local transactions under RRS coordination.
type CCILocalTransaction interface {
	CCILocalTransactionSupported() bool
}

// EnlistmentDisabler is implemented by managed connections that may opt out of enlistment.
type EnlistmentDisabler interface {
	EnlistmentDisabled() bool
}

// Reauthenticator is implemented by factories whose connections can switch subject.
type Reauthenticator interface {
	ReauthenticationSupported() bool
}
