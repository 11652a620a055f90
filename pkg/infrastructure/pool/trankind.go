package pool

import "gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"

type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
)

// EnlistmentContext holds every input of the transaction wrapper decision.
type EnlistmentContext struct {
	Scope               Scope
	RRSCoordinated      bool
	SupportLevel        connector.TransactionSupportLevel
	EnlistmentDisabled  bool
	OnePhaseXAResource  bool
	CCILocalTransaction bool
}

// SelectTransactionWrapperKind picks the transaction wrapper a connection joins a unit of work with.
func SelectTransactionWrapperKind(c EnlistmentContext) TransactionWrapperKind {
	if c.EnlistmentDisabled {
		return KindNoTransaction
	}

	switch c.SupportLevel {
	case connector.NoTransaction:
		if !c.RRSCoordinated {
			return KindNoTransaction
		}
		// adapters without transaction support never demarcate CCI local transactions
		if c.Scope == ScopeGlobal {
			return KindRRSGlobal
		}
		return KindRRSLocal
	case connector.LocalTransactionSupport:
		if c.RRSCoordinated {
			return rrsKind(c)
		}
		return KindLocal
	case connector.XATransactionSupport:
		if c.RRSCoordinated {
			return rrsKind(c)
		}
		if c.Scope == ScopeGlobal && !c.OnePhaseXAResource {
			return KindXA
		}
		return KindLocal
	default:
		return KindNone
	}
}

func rrsKind(c EnlistmentContext) TransactionWrapperKind {
	switch {
	case c.Scope == ScopeGlobal:
		return KindRRSGlobal
	case c.CCILocalTransaction:
		return KindLocal
	default:
		return KindRRSLocal
	}
}
