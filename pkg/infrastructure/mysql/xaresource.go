package mysql

import (
	"context"
	"encoding/hex"
	"fmt"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

// xaResource runs XA statements on the session of its managed connection.
// MySQL has no branch coupling and no heuristic outcomes, so the coupling flags
// are ignored and Forget does nothing.
type xaResource struct {
	mc *ManagedConnection
}

type recoveredXid struct {
	FormatID    int    `db:"formatID"`
	GtridLength int    `db:"gtrid_length"`
	BqualLength int    `db:"bqual_length"`
	Data        []byte `db:"data"`
}

func (x *xaResource) Start(xid connector.Xid, flags int) error {
	statement := "XA START " + xidLiteral(xid)
	switch {
	case flags&connector.TMJoin != 0:
		statement += " JOIN"
	case flags&connector.TMResume != 0:
		statement += " RESUME"
	}
	return x.exec(statement)
}

func (x *xaResource) End(xid connector.Xid, flags int) error {
	statement := "XA END " + xidLiteral(xid)
	if flags&connector.TMSuspend != 0 {
		statement += " SUSPEND"
	}
	return x.exec(statement)
}

func (x *xaResource) Prepare(xid connector.Xid) (int, error) {
	if err := x.exec("XA PREPARE " + xidLiteral(xid)); err != nil {
		return 0, err
	}
	return connector.XAOK, nil
}

func (x *xaResource) Commit(xid connector.Xid, onePhase bool) error {
	statement := "XA COMMIT " + xidLiteral(xid)
	if onePhase {
		statement += " ONE PHASE"
	}
	return x.exec(statement)
}

func (x *xaResource) Rollback(xid connector.Xid) error {
	return x.exec("XA ROLLBACK " + xidLiteral(xid))
}

// Recover returns every prepared branch of the server in one scan.
func (x *xaResource) Recover(flags int) ([]connector.Xid, error) {
	if flags != connector.TMNoFlags && flags&connector.TMStartRScan == 0 {
		return nil, nil
	}
	const statement = "XA RECOVER"
	var rows []recoveredXid
	if err := x.mc.conn.SelectContext(context.Background(), &rows, statement); err != nil {
		return nil, xaError(statement, err)
	}

	xids := make([]connector.Xid, 0, len(rows))
	for _, row := range rows {
		if row.GtridLength < 0 || row.BqualLength < 0 || row.GtridLength+row.BqualLength > len(row.Data) {
			return nil, connector.NewXAError(connector.XAERRMErr, fmt.Sprintf("malformed xid %x", row.Data))
		}
		xids = append(xids, connector.Xid{
			FormatID:            row.FormatID,
			GlobalTransactionID: append([]byte(nil), row.Data[:row.GtridLength]...),
			BranchQualifier:     append([]byte(nil), row.Data[row.GtridLength:row.GtridLength+row.BqualLength]...),
		})
	}
	return xids, nil
}

func (x *xaResource) Forget(_ connector.Xid) error {
	return nil
}

func (x *xaResource) exec(statement string) error {
	_, err := x.mc.conn.ExecContext(context.Background(), statement)
	return xaError(statement, err)
}

func xidLiteral(xid connector.Xid) string {
	return fmt.Sprintf("X'%s',X'%s',%d",
		hex.EncodeToString(xid.GlobalTransactionID),
		hex.EncodeToString(xid.BranchQualifier),
		xid.FormatID,
	)
}
