package connector

import (
	"encoding/hex"
	"fmt"
)

// XA flags.
const (
	TMNoFlags     = 0x00000000
	TMJoin        = 0x00200000
	TMEndRScan    = 0x00800000
	TMStartRScan  = 0x01000000
	TMSuspend     = 0x02000000
	TMSuccess     = 0x04000000
	TMResume      = 0x08000000
	TMFail        = 0x20000000
	TMOnePhase    = 0x40000000
	TMLooseCouple = 0x00010000
	TMTightCouple = 0x00008000
)

// XA return and error codes.
const (
	XAOK       = 0
	XAReadOnly = 3

	XARBBase      = 100
	XARBRollback  = 100
	XARBCommFail  = 101
	XARBDeadlock  = 102
	XARBIntegrity = 103
	XARBOther     = 104
	XARBProto     = 105
	XARBTimeout   = 106
	XARBTransient = 107
	XARBEnd       = 107

	XAERAsync   = -2
	XAERRMErr   = -3
	XAERNotA    = -4
	XAERInval   = -5
	XAERProto   = -6
	XAERRMFail  = -7
	XAERDupID   = -8
	XAEROutside = -9
)

type Xid struct {
	FormatID            int
	GlobalTransactionID []byte
	BranchQualifier     []byte
}

func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTransactionID), hex.EncodeToString(x.BranchQualifier))
}

type XAResource interface {
	Start(xid Xid, flags int) error
	End(xid Xid, flags int) error
	Prepare(xid Xid) (int, error)
	Commit(xid Xid, onePhase bool) error
	Rollback(xid Xid) error
	Recover(flags int) ([]Xid, error)
	Forget(xid Xid) error
}

// OnePhaseXAResource marks an XA resource that can only take part in one-phase commit.
type OnePhaseXAResource interface {
	XAResource
	OnePhase()
}

type XAError struct {
	Code    int
	Message string
	Cause   error
}

func NewXAError(code int, message string) *XAError {
	return &XAError{Code: code, Message: message}
}

func (e *XAError) Error() string {
	msg := fmt.Sprintf("xa error %s", xaCodeName(e.Code))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *XAError) Unwrap() error {
	return e.Cause
}

// Fatal reports codes after which the resource manager state cannot be trusted.
func (e *XAError) Fatal() bool {
	return e.Code == XAERRMErr || e.Code == XAERRMFail
}

func (e *XAError) RolledBack() bool {
	return e.Code >= XARBBase && e.Code <= XARBEnd
}

func xaCodeName(code int) string {
	if code >= XARBBase && code <= XARBEnd {
		return fmt.Sprintf("XA_RB(%d)", code)
	}
	switch code {
	case XAOK:
		return "XA_OK"
	case XAReadOnly:
		return "XA_RDONLY"
	case XAERAsync:
		return "XAER_ASYNC"
	case XAERRMErr:
		return "XAER_RMERR"
	case XAERNotA:
		return "XAER_NOTA"
	case XAERInval:
		return "XAER_INVAL"
	case XAERProto:
		return "XAER_PROTO"
	case XAERRMFail:
		return "XAER_RMFAIL"
	case XAERDupID:
		return "XAER_DUPID"
	case XAEROutside:
		return "XAER_OUTSIDE"
	default:
		return fmt.Sprintf("%d", code)
	}
}
