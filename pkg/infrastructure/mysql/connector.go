package mysql

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

var ErrNotOpened = errors.New("db not initialized")

func NewConnector(logger logging.Logger) Connector {
	return &mysqlConnector{logger: logger}
}

type Connector interface {
	Open(ctx context.Context, dsn string, cfg Config) error
	Close() error

	// ManagedConnectionFactory returns a factory of pooled XA capable connections to the opened database.
	ManagedConnectionFactory(id string) (*ManagedConnectionFactory, error)
}

type Config struct {
	MaxConnections        int           `yaml:"maxConnections"`
	ConnectionMaxLifeTime time.Duration `yaml:"connectionMaxLifeTime"`
	// ConnectTimeout bounds the ping retries of Open, one minute when zero.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

type mysqlConnector struct {
	logger logging.Logger
	db     *sqlx.DB
}

func (c *mysqlConnector) Open(ctx context.Context, dsn string, cfg Config) error {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return errors.WithStack(err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifeTime)
	// idle connections are kept by the connection pool, the driver pool only hands them out
	db.SetMaxIdleConns(0)

	pingErr := backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil {
			c.logger.Warning(err, "mysql is not reachable yet")
		}
		return err
	}, backoff.WithContext(newBackOff(cfg.ConnectTimeout), ctx))
	if pingErr != nil {
		return liberr.Join(errors.Wrap(pingErr, "ping mysql"), db.Close())
	}

	c.db = db
	return nil
}

func (c *mysqlConnector) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return ErrNotOpened
}

func (c *mysqlConnector) ManagedConnectionFactory(id string) (*ManagedConnectionFactory, error) {
	if c.db == nil {
		return nil, ErrNotOpened
	}
	return NewManagedConnectionFactory(id, c.db, c.logger), nil
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
