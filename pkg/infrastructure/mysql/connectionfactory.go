package mysql

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
)

// NewManagedConnectionFactory creates connections pinned from db. db should keep
// no idle connections of its own: a destroyed managed connection returns its
// session to db, which must close it.
func NewManagedConnectionFactory(id string, db *sqlx.DB, logger logging.Logger) *ManagedConnectionFactory {
	return &ManagedConnectionFactory{
		id:     id,
		db:     db,
		logger: logger.WithField("factory", id),
	}
}

type ManagedConnectionFactory struct {
	id     string
	db     *sqlx.DB
	logger logging.Logger
}

func (f *ManagedConnectionFactory) ID() string {
	return f.id
}

func (f *ManagedConnectionFactory) TransactionSupport() connector.TransactionSupportLevel {
	return connector.XATransactionSupport
}

// CreateManagedConnection pins a session of the database. MySQL sessions are
// authenticated by the DSN, so subject and request info are not used.
func (f *ManagedConnectionFactory) CreateManagedConnection(
	ctx context.Context,
	_ *connector.Subject,
	_ connector.ConnectionRequestInfo,
) (connector.ManagedConnection, error) {
	conn, err := f.db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: open session", f.id)
	}
	return newManagedConnection(conn, f.logger), nil
}
