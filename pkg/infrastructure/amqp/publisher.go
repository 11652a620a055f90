package amqp

import (
	"context"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

type Delivery struct {
	RoutingKey    string
	CorrelationID string
	ContentType   string
	Type          string
	Body          []byte
}

// Publisher is the application handle of a pooled channel.
type Publisher struct {
	mu     sync.Mutex
	mc     *ManagedConnection
	closed bool
}

func (p *Publisher) Publish(ctx context.Context, delivery Delivery) error {
	mc, err := p.managedConnection()
	if err != nil {
		return err
	}
	return mc.checkError(ctx, p, mc.publish(ctx, delivery))
}

func (p *Publisher) Begin(ctx context.Context) error {
	mc, err := p.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.begin(); err != nil {
		return mc.checkError(ctx, p, err)
	}
	err = mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionStarted,
		Handle:  p,
		Context: ctx,
	})
	if err != nil {
		return liberr.Join(err, mc.rollback())
	}
	return nil
}

func (p *Publisher) Commit(ctx context.Context) error {
	mc, err := p.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.commit(); err != nil {
		return mc.checkError(ctx, p, err)
	}
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionCommitted,
		Handle:  p,
		Context: ctx,
	})
}

func (p *Publisher) Rollback(ctx context.Context) error {
	mc, err := p.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.rollback(); err != nil {
		return mc.checkError(ctx, p, err)
	}
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionRolledback,
		Handle:  p,
		Context: ctx,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	mc := p.mc
	p.mc = nil
	p.mu.Unlock()

	if mc == nil {
		return nil
	}
	mc.removeHandle(p)
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.ConnectionClosed,
		Handle:  p,
		Context: context.Background(),
	})
}

func (p *Publisher) managedConnection() (*ManagedConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.mc == nil {
		return nil, ErrPublisherClosed
	}
	return p.mc, nil
}

func (p *Publisher) associate(mc *ManagedConnection) *ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.mc
	p.mc = mc
	p.closed = false
	return previous
}

func (p *Publisher) invalidate(mc *ManagedConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mc == mc {
		p.mc = nil
		p.closed = true
	}
}
