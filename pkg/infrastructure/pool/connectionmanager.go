package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
)

// ConnectionManager allocates connection handles for one resource reference and
// involves their connections in the unit of work carried by the context.
type ConnectionManager struct {
	key      string
	pm       *PoolManager
	ref      ResourceRef
	tm       transaction.Manager
	resolver SubjectResolver
	logger   logging.Logger

	shareable     bool
	recoveryToken int

	qmidMu     sync.Mutex
	qmidTokens map[string]int
}

func NewConnectionManager(
	pm *PoolManager,
	ref ResourceRef,
	tm transaction.Manager,
	resolver SubjectResolver,
	logger logging.Logger,
) (*ConnectionManager, error) {
	if pm == nil {
		return nil, illegalState("connection manager without a pool manager")
	}
	if tm == nil {
		return nil, errors.New("connection manager without a transaction manager")
	}
	key := CFDetailsKey(pm.ManagedConnectionFactory().ID(), ref)
	cm := &ConnectionManager{
		key:        key,
		pm:         pm,
		ref:        ref,
		tm:         tm,
		resolver:   resolver,
		logger:     logger.WithFields(logging.Fields{"pool": pm.Name(), "resourceRef": ref.Name}),
		shareable:  ref.Shareable(),
		qmidTokens: make(map[string]int),
	}

	if pm.ManagedConnectionFactory().TransactionSupport() != connector.NoTransaction {
		token, err := cm.registerResourceInfo("")
		if err != nil {
			return nil, err
		}
		cm.recoveryToken = token
	}
	return cm, nil
}

func (cm *ConnectionManager) Key() string {
	return cm.key
}

func (cm *ConnectionManager) PoolManager() *PoolManager {
	return cm.pm
}

func (cm *ConnectionManager) ResourceRef() ResourceRef {
	return cm.ref
}

func (cm *ConnectionManager) Shareable() bool {
	return cm.shareable
}

func (cm *ConnectionManager) RecoveryToken() int {
	return cm.recoveryToken
}

// AllocateConnection returns a new handle of a pooled connection involved in the
// unit of work of ctx.
func (cm *ConnectionManager) AllocateConnection(ctx context.Context, cri connector.ConnectionRequestInfo) (connector.Handle, error) {
	if cm.pm == nil {
		return nil, illegalState("connection manager %s has no pool manager", cm.key)
	}
	subject, err := cm.finalSubject(ctx, cri)
	if err != nil {
		return nil, newResourceError(cm.pm.Name(), "", "resolve subject", err)
	}

	coordinator := transaction.FromContext(ctx)
	w, err := cm.allocateWrapper(ctx, subject, cri, coordinator)
	if err != nil {
		return nil, err
	}
	if err = cm.involveInTransaction(w, coordinator); err != nil {
		return nil, err
	}

	handle, err := cm.getHandle(ctx, w, subject, cri)
	if err != nil {
		cm.cleanupAfterHandleFailure(w)
		return nil, newResourceError(cm.pm.Name(), w.ID(), "get connection", err)
	}
	return handle, nil
}

func (cm *ConnectionManager) allocateWrapper(
	ctx context.Context,
	subject *connector.Subject,
	cri connector.ConnectionRequestInfo,
	coordinator transaction.Coordinator,
) (*ConnectionWrapper, error) {
	enforceSerialReuse := cm.shareable && coordinator != nil &&
		!coordinator.Global() && coordinator.Resolver() == transaction.ResolverApplication

	w, err := cm.pm.Reserve(ctx, ReserveRequest{
		Subject:            subject,
		CRI:                cri,
		Affinity:           coordinator,
		Shareable:          cm.shareable,
		EnforceSerialReuse: enforceSerialReuse,
		CommitPriority:     cm.ref.CommitPriority,
		BranchCoupling:     cm.ref.BranchCoupling,
	})
	if err != nil {
		return nil, newResourceError(cm.pm.Name(), "", "reserve", err)
	}
	if w == nil {
		return nil, newResourceError(cm.pm.Name(), "", "reserve", ErrNoManagedConnection)
	}
	return w, nil
}

func (cm *ConnectionManager) involveInTransaction(w *ConnectionWrapper, coordinator transaction.Coordinator) error {
	if w.InvolvedInTransaction() {
		return nil
	}
	w.setConnectionManager(cm)
	if w.enlistmentDisabled() {
		return nil
	}
	w.setUOWCoordinator(coordinator)
	return cm.initializeForUOW(w, false)
}

// initializeForUOW selects the transaction wrapper, registers it for completion
// and enlists it unless enlistment waits for the adapter.
func (cm *ConnectionManager) initializeForUOW(w *ConnectionWrapper, deferred bool) error {
	coordinator := w.UOWCoordinator()
	if coordinator == nil {
		support := cm.transactionSupport()
		if cm.pm.config.LogMissingTranContext && !cm.dynamicEnlistment() &&
			(support == connector.LocalTransactionSupport || support == connector.XATransactionSupport) {
			w.logger.Warning(nil, "connection obtained outside of a unit of work")
		}
		return nil
	}

	scope := ScopeLocal
	if coordinator.Global() {
		scope = ScopeGlobal
	}
	kind := SelectTransactionWrapperKind(EnlistmentContext{
		Scope:               scope,
		RRSCoordinated:      cm.pm.config.RRSTransactional,
		SupportLevel:        cm.transactionSupport(),
		EnlistmentDisabled:  w.enlistmentDisabled(),
		OnePhaseXAResource:  cm.onePhaseXAResource(w),
		CCILocalTransaction: cm.cciLocalTransaction(),
	})
	tw, err := w.useTransactionWrapper(kind)
	if err != nil {
		return err
	}

	registered, err := tw.AddSync()
	if err != nil {
		if releaseErr := w.ReleaseToPoolManager(); releaseErr != nil {
			w.logger.Error(releaseErr, "release after failed synchronization registration failed")
		}
		return newResourceError(cm.pm.Name(), w.ID(), "register synchronization", err)
	}
	if cm.pm.synchronizationProvider() {
		return nil
	}

	if (coordinator.Global() && (!cm.dynamicEnlistment() || cm.pm.config.RRSTransactional)) ||
		(!coordinator.Global() && coordinator.Resolver() == transaction.ResolverContainerAtBoundary) {
		if err = tw.Enlist(); err != nil {
			return newResourceError(cm.pm.Name(), w.ID(), "enlist", err)
		}
	}

	if !registered && !tw.IsEnlisted() && !deferred {
		w.setUOWCoordinator(nil)
	}
	return nil
}

func (cm *ConnectionManager) getHandle(
	ctx context.Context,
	w *ConnectionWrapper,
	subject *connector.Subject,
	cri connector.ConnectionRequestInfo,
) (connector.Handle, error) {
	previous := w.PoolState()
	w.setPoolState(PoolStateGettingConnection)
	handle, err := w.GetConnection(ctx, subject, cri)
	w.poolState.CompareAndSwap(int32(PoolStateGettingConnection), int32(previous))
	if err != nil {
		return nil, err
	}

	if w.doNotReuse.Load() {
		w.MarkStale()
		w.removeHandle(handle)
		return nil, errors.WithStack(ErrStaleConnection)
	}
	return handle, nil
}

// cleanupAfterHandleFailure returns a sound connection which nothing else will
// release. Connections in a transaction are released on its completion.
func (cm *ConnectionManager) cleanupAfterHandleFailure(w *ConnectionWrapper) {
	kind := w.TransactionWrapperKind()
	if w.doNotReuse.Load() && kind == KindLocal {
		if tw := w.transactionWrapper(); tw != nil && !tw.IsEnlisted() && !tw.IsRegisteredForSync() {
			w.setUOWCoordinator(nil)
		}
	}
	if (w.UOWCoordinator() == nil || kind == KindNoTransaction) && w.HandleCount() == 0 {
		if w.InvolvedInTransaction() {
			if err := w.TransactionComplete(); err != nil {
				w.logger.Error(err, "transaction complete failed")
			}
		}
		if err := w.ReleaseToPoolManager(); err != nil {
			w.logger.Error(err, "release after handle failure failed")
		}
	}
}

// LazyEnlist enlists the connection of mc in the global transaction of ctx, the
// adapter calls it right before transactional work.
func (cm *ConnectionManager) LazyEnlist(ctx context.Context, mc connector.ManagedConnection) error {
	if mc == nil {
		return newResourceError(cm.pm.Name(), "", "lazy enlist", errors.New("managed connection is nil"))
	}
	w, ok := cm.pm.WrapperFor(mc)
	if !ok {
		return newResourceError(cm.pm.Name(), "", "lazy enlist", ErrUnknownConnection)
	}
	if !cm.dynamicEnlistment() {
		return nil
	}

	coordinator := w.UOWCoordinator()
	cleared := coordinator == nil
	if cleared {
		coordinator = w.updateUOWCoordinator(ctx)
	}
	if coordinator == nil {
		if cm.pm.config.LogMissingTranContext {
			w.logger.Debug("lazy enlist without a unit of work")
		}
		return nil
	}
	if !coordinator.Global() {
		if cleared {
			w.setUOWCoordinator(nil)
		}
		return nil
	}

	tw, err := w.currentTransactionWrapper()
	if err != nil {
		return newResourceError(cm.pm.Name(), w.ID(), "lazy enlist", err)
	}
	if err = tw.Enlist(); err != nil {
		return newResourceError(cm.pm.Name(), w.ID(), "lazy enlist", err)
	}
	return nil
}

// AssociateConnection binds a dissociated handle to a connection of this manager.
func (cm *ConnectionManager) AssociateConnection(ctx context.Context, handle connector.Handle, cri connector.ConnectionRequestInfo) error {
	subject, err := cm.finalSubject(ctx, cri)
	if err != nil {
		return newResourceError(cm.pm.Name(), "", "resolve subject", err)
	}
	coordinator := transaction.FromContext(ctx)
	w, err := cm.allocateWrapper(ctx, subject, cri, coordinator)
	if err != nil {
		return err
	}
	if err = cm.involveInTransaction(w, coordinator); err != nil {
		return err
	}
	if err = cm.ReassociateConnectionHandle(handle, nil, w); err != nil {
		cm.cleanupAfterHandleFailure(w)
		return err
	}
	return nil
}

// ReassociateConnectionHandle moves handle from one connection to another.
func (cm *ConnectionManager) ReassociateConnectionHandle(handle connector.Handle, from, to *ConnectionWrapper) error {
	if err := to.mc.AssociateConnection(handle); err != nil {
		return newResourceError(cm.pm.Name(), to.ID(), "associate connection", err)
	}
	to.addHandle(handle)

	if from != nil && from != to {
		if remaining, removed := from.removeHandle(handle); removed && remaining == 0 && !from.InvolvedInTransaction() {
			if err := from.ReleaseToPoolManager(); err != nil {
				from.logger.Error(err, "release of dissociated connection failed")
			}
		}
	}
	return nil
}

// SupportsBranchCoupling returns the XA start flag for coupling. Factories
// without coupling negotiation start every branch with TMNOFLAGS.
func (cm *ConnectionManager) SupportsBranchCoupling(coupling connector.BranchCoupling) (int, bool) {
	support, ok := cm.pm.ManagedConnectionFactory().(connector.BranchCouplingSupport)
	if coupling == connector.BranchCouplingUnset || !ok {
		return connector.TMNoFlags, true
	}
	return support.XAStartFlag(coupling)
}

// MatchBranchCoupling compares couplings, UNSET stands for the resource default.
func (cm *ConnectionManager) MatchBranchCoupling(c1, c2 connector.BranchCoupling) bool {
	if c1 == c2 {
		return true
	}
	support, ok := cm.pm.ManagedConnectionFactory().(connector.BranchCouplingSupport)
	if !ok {
		return true
	}
	if c1 == connector.BranchCouplingUnset {
		c1 = support.DefaultBranchCoupling()
	}
	if c2 == connector.BranchCouplingUnset {
		c2 = support.DefaultBranchCoupling()
	}
	return c1 == c2
}

// RecoveryTokenFor returns the recovery token of a queue manager, registering
// its recovery information once.
func (cm *ConnectionManager) RecoveryTokenFor(qmid string) (int, error) {
	cm.qmidMu.Lock()
	defer cm.qmidMu.Unlock()
	if token, ok := cm.qmidTokens[qmid]; ok {
		return token, nil
	}
	token, err := cm.registerResourceInfo(qmid)
	if err != nil {
		return 0, err
	}
	cm.qmidTokens[qmid] = token
	return token, nil
}

type recoveryInfo struct {
	Resource    string      `yaml:"resource"`
	QMID        string      `yaml:"qmid,omitempty"`
	ResourceRef ResourceRef `yaml:"resourceRef"`
}

func (cm *ConnectionManager) registerResourceInfo(qmid string) (int, error) {
	info, err := yaml.Marshal(recoveryInfo{
		Resource:    cm.pm.ManagedConnectionFactory().ID(),
		QMID:        qmid,
		ResourceRef: cm.ref,
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	filter := fmt.Sprintf("cfKey=%s", cm.key)
	if qmid != "" {
		filter += ";qmid=" + qmid
	}
	token, err := cm.tm.RegisterResourceInfo(filter, info, cm.ref.CommitPriority)
	if err != nil {
		return 0, errors.Wrap(err, "register recovery information")
	}
	return token, nil
}

// PurgePool purges the pool of this manager.
func (cm *ConnectionManager) PurgePool() error {
	return cm.pm.PurgePoolContents(PurgeNormal)
}

func (cm *ConnectionManager) finalSubject(ctx context.Context, cri connector.ConnectionRequestInfo) (*connector.Subject, error) {
	if !cm.ref.ContainerManagedAuth() || cm.resolver == nil {
		return nil, nil
	}
	return cm.resolver.ResolveSubject(ctx, cm.pm.ManagedConnectionFactory(), cm.ref.LoginConfigurationName, cm.ref.LoginConfigProperties, cri)
}

func (cm *ConnectionManager) transactionSupport() connector.TransactionSupportLevel {
	return cm.pm.ManagedConnectionFactory().TransactionSupport()
}

func (cm *ConnectionManager) dynamicEnlistment() bool {
	d, ok := cm.pm.ManagedConnectionFactory().(connector.DynamicEnlistment)
	return ok && d.DynamicEnlistmentSupported()
}

func (cm *ConnectionManager) cciLocalTransaction() bool {
	c, ok := cm.pm.ManagedConnectionFactory().(connector.CCILocalTransaction)
	return ok && c.CCILocalTransactionSupported()
}

func (cm *ConnectionManager) onePhaseXAResource(w *ConnectionWrapper) bool {
	if cm.transactionSupport() != connector.XATransactionSupport {
		return false
	}
	xa, err := w.managedXAResource()
	if err != nil {
		w.logger.Warning(err, "xa resource is not available")
		return false
	}
	_, ok := xa.(connector.OnePhaseXAResource)
	return ok
}
