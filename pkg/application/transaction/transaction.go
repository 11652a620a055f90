// Package transaction describes the transaction manager the connection pool
// enlists managed connections with.
package transaction

import (
	"context"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPrepared
	StatusCommitted
	StatusRolledBack
	StatusUnknown
	StatusNoTransaction
	StatusPreparing
	StatusCommitting
	StatusRollingBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLEDBACK"
	case StatusNoTransaction:
		return "NO_TRANSACTION"
	case StatusPreparing:
		return "PREPARING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRollingBack:
		return "ROLLING_BACK"
	default:
		return "UNKNOWN"
	}
}

// Resolver tells who resolves the resources of a local transaction containment.
type Resolver int

const (
	ResolverApplication Resolver = iota
	ResolverContainerAtBoundary
)

// Coordinator is a unit of work: a global transaction or a local transaction containment.
type Coordinator interface {
	ID() string
	Global() bool
	Status() Status
	// Resolver is meaningful for local coordinators only.
	Resolver() Resolver
}

type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// SyncTier orders synchronizations: every SyncTierNormal callback runs before SyncTierRRS ones.
type SyncTier int

const (
	SyncTierNormal SyncTier = iota
	SyncTierRRS
)

// LocalResource is a resource manager local transaction taking part in a local containment.
type LocalResource interface {
	Start() error
	Commit() error
	Rollback() error
}

type Manager interface {
	// RegisterResourceInfo stores recovery information and returns its recovery token.
	RegisterResourceInfo(filter string, info []byte, commitPriority int) (int, error)

	Enlist(c Coordinator, resource connector.XAResource, recoveryToken int, startFlags int) error
	EnlistOnePhase(c Coordinator, resource connector.XAResource) error
	EnlistRecoveryToken(c Coordinator, recoveryToken int) error

	EnlistLocal(c Coordinator, resource LocalResource) error
	EnlistForCleanup(c Coordinator, resource LocalResource) error
	DelistFromCleanup(c Coordinator, resource LocalResource) error

	RegisterSynchronization(c Coordinator, sync Synchronization, tier SyncTier) error
}

type coordinatorKey struct{}

func NewContext(ctx context.Context, c Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the coordinator bound to ctx or nil.
func FromContext(ctx context.Context) Coordinator {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(coordinatorKey{}).(Coordinator)
	return c
}
