package pool

// PoolState tells where a connection wrapper currently lives.
type PoolState int32

const (
	PoolStateTransition        PoolState = 0
	PoolStateFree              PoolState = 1
	PoolStateShared            PoolState = 2
	PoolStateUnshared          PoolState = 3
	PoolStateWaiter            PoolState = 4
	PoolStateGettingConnection PoolState = 50
)

func (s PoolState) String() string {
	switch s {
	case PoolStateTransition:
		return "transition"
	case PoolStateFree:
		return "free"
	case PoolStateShared:
		return "shared"
	case PoolStateUnshared:
		return "unshared"
	case PoolStateWaiter:
		return "waiter"
	case PoolStateGettingConnection:
		return "getting connection"
	default:
		return "unknown"
	}
}

type wrapperState int

const (
	stateNew wrapperState = iota
	stateActiveFree
	stateActiveInUse
	stateTranWrapperInUse
	stateInactive
)

func (s wrapperState) String() string {
	switch s {
	case stateNew:
		return "STATE_NEW"
	case stateActiveFree:
		return "STATE_ACTIVE_FREE"
	case stateActiveInUse:
		return "STATE_ACTIVE_INUSE"
	case stateTranWrapperInUse:
		return "STATE_TRAN_WRAPPER_INUSE"
	case stateInactive:
		return "STATE_INACTIVE"
	default:
		return "STATE_UNKNOWN"
	}
}

type TransactionWrapperKind int

const (
	KindNone TransactionWrapperKind = iota
	KindXA
	KindLocal
	KindNoTransaction
	KindRRSGlobal
	KindRRSLocal
)

func (k TransactionWrapperKind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindXA:
		return "XATXWRAPPER"
	case KindLocal:
		return "LOCALTXWRAPPER"
	case KindNoTransaction:
		return "NOTXWRAPPER"
	case KindRRSGlobal:
		return "RRSGLOBALTXWRAPPER"
	case KindRRSLocal:
		return "RRSLOCALTXWRAPPER"
	default:
		return "UNKNOWN"
	}
}
