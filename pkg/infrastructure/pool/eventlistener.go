package pool

import (
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

// eventListener turns managed connection events into wrapper operations.
type eventListener struct {
	w *ConnectionWrapper
}

func (l *eventListener) ConnectionClosed(event connector.ConnectionEvent) error {
	if event.ID != connector.ConnectionClosed {
		return l.unexpectedEvent("ConnectionClosed", event)
	}
	w := l.w
	if remaining, removed := w.removeHandle(event.Handle); !removed || remaining > 0 {
		return nil
	}

	release := true
	if w.InvolvedInTransaction() {
		release = false
		switch w.TransactionWrapperKind() {
		case KindNoTransaction, KindRRSLocal:
			release = true
		case KindLocal:
			tw := w.transactionWrapper()
			release = tw != nil && !tw.IsRegisteredForSync() && !tw.IsEnlisted()
		}
		if release {
			if err := w.TransactionComplete(); err != nil {
				w.logger.Error(err, "transaction complete on close failed")
			}
		}
	}
	if release {
		if err := w.ReleaseToPoolManager(); err != nil {
			w.logger.Error(err, "release on close failed")
		}
	}
	return nil
}

func (l *eventListener) ConnectionErrorOccurred(event connector.ConnectionEvent) error {
	if event.ID != connector.ConnectionErrorOccurred && event.ID != connector.SingleConnectionErrorOccurred {
		return l.unexpectedEvent("ConnectionErrorOccurred", event)
	}
	l.w.connectionErrorOccurred(event)
	return nil
}

func (l *eventListener) LocalTransactionStarted(event connector.ConnectionEvent) error {
	if event.ID != connector.LocalTransactionStarted {
		return l.unexpectedEvent("LocalTransactionStarted", event)
	}
	w := l.w
	if w.enlistmentDisabled() {
		return nil
	}

	coordinator := w.UOWCoordinator()
	if coordinator == nil {
		coordinator = w.updateUOWCoordinator(event.Context)
	}
	if coordinator == nil {
		w.logger.Debug("local transaction started without a unit of work")
		return nil
	}
	if coordinator.Global() {
		return illegalState("local transaction started on connection %s inside global transaction %s", w.id, coordinator.ID())
	}

	if w.TransactionWrapperKind() == KindNone {
		cm := w.connectionManager()
		if cm == nil {
			return illegalState("connection %s has no connection manager", w.id)
		}
		if err := cm.initializeForUOW(w, true); err != nil {
			return err
		}
	}
	tw, err := w.currentTransactionWrapper()
	if err != nil {
		return err
	}
	return errors.WithStack(tw.Enlist())
}

func (l *eventListener) LocalTransactionCommitted(event connector.ConnectionEvent) error {
	if event.ID != connector.LocalTransactionCommitted {
		return l.unexpectedEvent("LocalTransactionCommitted", event)
	}
	return l.localTransactionEnded()
}

func (l *eventListener) LocalTransactionRolledback(event connector.ConnectionEvent) error {
	if event.ID != connector.LocalTransactionRolledback {
		return l.unexpectedEvent("LocalTransactionRolledback", event)
	}
	return l.localTransactionEnded()
}

func (l *eventListener) localTransactionEnded() error {
	w := l.w
	if w.UOWCoordinator() == nil {
		w.logger.Debug("local transaction ended without a unit of work")
		return nil
	}
	tw := w.transactionWrapper()
	if tw == nil {
		return nil
	}
	if err := tw.Delist(); err != nil {
		return err
	}
	if w.HandleCount() == 0 && !w.InvolvedInTransaction() && !tw.IsRegisteredForSync() {
		if err := w.ReleaseToPoolManager(); err != nil {
			w.logger.Error(err, "release after local transaction failed")
		}
	}
	return nil
}

// unexpectedEvent handles an adapter which fired the wrong event: the connection
// is cleaned up as after a connection error.
func (l *eventListener) unexpectedEvent(method string, event connector.ConnectionEvent) error {
	err := illegalState("%s called with event %s", method, event.ID)
	l.w.connectionErrorOccurred(connector.ConnectionEvent{
		ID:      connector.ConnectionErrorOccurred,
		Source:  event.Source,
		Handle:  event.Handle,
		Err:     err,
		Context: event.Context,
	})
	return err
}
