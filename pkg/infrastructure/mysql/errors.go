package mysql

import (
	"database/sql/driver"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

// MySQL server error numbers of XA statements.
var xaErrorCodes = map[uint16]int{
	1397: connector.XAERNotA,
	1398: connector.XAERInval,
	1399: connector.XAERRMFail,
	1400: connector.XAEROutside,
	1401: connector.XAERRMErr,
	1402: connector.XARBRollback,
	1440: connector.XAERDupID,
	1613: connector.XARBTimeout,
	1614: connector.XARBDeadlock,
}

func isBadConnection(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldriver.ErrInvalidConn)
}

// xaError converts an error of an XA statement to an XA error code.
func xaError(statement string, err error) error {
	if err == nil {
		return nil
	}
	code := connector.XAERRMErr
	var mysqlErr *mysqldriver.MySQLError
	switch {
	case errors.As(err, &mysqlErr):
		if c, ok := xaErrorCodes[mysqlErr.Number]; ok {
			code = c
		}
	case isBadConnection(err):
		code = connector.XAERRMFail
	}
	xaErr := connector.NewXAError(code, statement)
	xaErr.Cause = err
	return xaErr
}
