package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	infralogging "gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/logging"
	txmanager "gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/transaction"
)

type userCRI struct {
	user string
}

func (c *userCRI) Equal(other connector.ConnectionRequestInfo) bool {
	o, ok := other.(*userCRI)
	return ok && o.user == c.user
}

func (c *userCRI) Hash() uint32 {
	return uint32(len(c.user))
}

type fakeFactory struct {
	id           string
	support      connector.TransactionSupportLevel
	dynamic      bool
	syncProvider bool
	onePhaseXA   bool

	mu          sync.Mutex
	createFails int
	created     []*fakeConnection
}

func newFakeFactory(support connector.TransactionSupportLevel) *fakeFactory {
	return &fakeFactory{id: "fake", support: support}
}

func (f *fakeFactory) ID() string {
	return f.id
}

func (f *fakeFactory) TransactionSupport() connector.TransactionSupportLevel {
	return f.support
}

func (f *fakeFactory) CreateManagedConnection(_ context.Context, _ *connector.Subject, _ connector.ConnectionRequestInfo) (connector.ManagedConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFails > 0 {
		f.createFails--
		return nil, errors.New("connection refused")
	}
	xa := &fakeXAResource{}
	c := &fakeConnection{local: &fakeLocalTransaction{}, xa: xa}
	if f.onePhaseXA {
		c.xaResource = &onePhaseXAResource{fakeXAResource: xa}
	} else {
		c.xaResource = xa
	}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) DynamicEnlistmentSupported() bool {
	return f.dynamic
}

func (f *fakeFactory) ConnectionSynchronizationProvider() bool {
	return f.syncProvider
}

func (f *fakeFactory) connections() []*fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConnection(nil), f.created...)
}

type couplingFactory struct {
	*fakeFactory
	defaultCoupling connector.BranchCoupling
}

func (f *couplingFactory) XAStartFlag(coupling connector.BranchCoupling) (int, bool) {
	switch coupling {
	case connector.BranchCouplingLoose:
		return connector.TMLooseCouple, true
	case connector.BranchCouplingTight:
		return connector.TMTightCouple, true
	default:
		return connector.TMNoFlags, false
	}
}

func (f *couplingFactory) DefaultBranchCoupling() connector.BranchCoupling {
	return f.defaultCoupling
}

type fakeConnection struct {
	local      *fakeLocalTransaction
	xa         *fakeXAResource
	xaResource connector.XAResource

	mu          sync.Mutex
	listeners   []connector.ConnectionEventListener
	getErr      error
	cleanupErr  error
	validateErr error
	validations int
	cleanups    int
	destroyed   bool
	aborted     bool
	stale       bool
	fireOnGet   bool
}

func (c *fakeConnection) GetConnection(ctx context.Context, _ *connector.Subject, _ connector.ConnectionRequestInfo) (connector.Handle, error) {
	c.mu.Lock()
	getErr, fireOnGet := c.getErr, c.fireOnGet
	c.mu.Unlock()
	if getErr != nil {
		return nil, getErr
	}
	h := &fakeHandle{mc: c}
	if fireOnGet {
		_ = c.listener().ConnectionErrorOccurred(connector.ConnectionEvent{
			ID:      connector.ConnectionErrorOccurred,
			Source:  c,
			Err:     errors.New("broken pipe"),
			Context: ctx,
		})
	}
	return h, nil
}

func (c *fakeConnection) AssociateConnection(handle connector.Handle) error {
	h, ok := handle.(*fakeHandle)
	if !ok {
		return errors.New("foreign handle")
	}
	h.mc = c
	return nil
}

func (c *fakeConnection) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
	return c.cleanupErr
}

func (c *fakeConnection) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

func (c *fakeConnection) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

func (c *fakeConnection) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

func (c *fakeConnection) Validate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validations++
	return c.validateErr
}

func (c *fakeConnection) AddConnectionEventListener(listener connector.ConnectionEventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *fakeConnection) RemoveConnectionEventListener(listener connector.ConnectionEventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *fakeConnection) LocalTransaction() (connector.LocalTransaction, error) {
	return c.local, nil
}

func (c *fakeConnection) XAResource() (connector.XAResource, error) {
	return c.xaResource, nil
}

func (c *fakeConnection) listener() connector.ConnectionEventListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[0]
}

func (c *fakeConnection) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeConnection) fireError(id connector.EventID) error {
	return c.listener().ConnectionErrorOccurred(connector.ConnectionEvent{
		ID:     id,
		Source: c,
		Err:    errors.New("connection reset by peer"),
	})
}

// fakeHandle is the application side of a fakeConnection.
type fakeHandle struct {
	mc *fakeConnection
}

func (h *fakeHandle) Close() error {
	return h.mc.listener().ConnectionClosed(connector.ConnectionEvent{
		ID:     connector.ConnectionClosed,
		Source: h.mc,
		Handle: h,
	})
}

func (h *fakeHandle) Begin(ctx context.Context) error {
	if err := h.mc.local.Begin(ctx); err != nil {
		return err
	}
	return h.mc.listener().LocalTransactionStarted(connector.ConnectionEvent{
		ID:      connector.LocalTransactionStarted,
		Source:  h.mc,
		Handle:  h,
		Context: ctx,
	})
}

func (h *fakeHandle) Commit(ctx context.Context) error {
	if err := h.mc.local.Commit(ctx); err != nil {
		return err
	}
	return h.mc.listener().LocalTransactionCommitted(connector.ConnectionEvent{
		ID:      connector.LocalTransactionCommitted,
		Source:  h.mc,
		Handle:  h,
		Context: ctx,
	})
}

type fakeLocalTransaction struct {
	mu        sync.Mutex
	begins    int
	commits   int
	rollbacks int
	commitErr error
}

func (t *fakeLocalTransaction) Begin(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.begins++
	return nil
}

func (t *fakeLocalTransaction) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.commits++
	return nil
}

func (t *fakeLocalTransaction) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	return nil
}

func (t *fakeLocalTransaction) counts() (begins, commits, rollbacks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.begins, t.commits, t.rollbacks
}

type fakeXAResource struct {
	mu         sync.Mutex
	startFlags []int
	ends       []int
	prepares   int
	commits    []bool
	rollbacks  int
	endErr     error
	commitErr  error
	prepareErr error
}

func (x *fakeXAResource) Start(_ connector.Xid, flags int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.startFlags = append(x.startFlags, flags)
	return nil
}

func (x *fakeXAResource) End(_ connector.Xid, flags int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ends = append(x.ends, flags)
	return x.endErr
}

func (x *fakeXAResource) Prepare(_ connector.Xid) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.prepares++
	return connector.XAOK, x.prepareErr
}

func (x *fakeXAResource) Commit(_ connector.Xid, onePhase bool) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.commits = append(x.commits, onePhase)
	return x.commitErr
}

func (x *fakeXAResource) Rollback(_ connector.Xid) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rollbacks++
	return nil
}

func (x *fakeXAResource) Recover(_ int) ([]connector.Xid, error) {
	return nil, nil
}

func (x *fakeXAResource) Forget(_ connector.Xid) error {
	return nil
}

func (x *fakeXAResource) started() []int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]int(nil), x.startFlags...)
}

type onePhaseXAResource struct {
	*fakeXAResource
}

func (x *onePhaseXAResource) OnePhase() {}

func newTestLogger() (logging.MainLogger, *test.Hook) {
	impl, hook := test.NewNullLogger()
	impl.SetLevel(logrus.DebugLevel)
	return infralogging.NewLogger(impl), hook
}

func testConfig() Config {
	config := DefaultConfig()
	config.Name = "jdbc/test"
	config.MaxConnections = 5
	config.ConnectionTimeout = 100 * time.Millisecond
	config.ReapTime = 0
	config.MaxFreePoolHashSize = 4
	config.MaxSharedBuckets = 4
	return config
}

func newTestPool(t *testing.T, mcf connector.ManagedConnectionFactory, configure func(*Config)) *PoolManager {
	t.Helper()
	config := testConfig()
	if configure != nil {
		configure(&config)
	}
	logger, _ := newTestLogger()
	pm, err := NewPoolManager(mcf, config, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pm.Close()
	})
	return pm
}

func newTestManager(t *testing.T, pm *PoolManager, ref ResourceRef) (*ConnectionManager, txmanager.Manager) {
	t.Helper()
	logger, _ := newTestLogger()
	tm := txmanager.NewManager(logger)
	cm, err := NewConnectionManager(pm, ref, tm, nil, logger)
	require.NoError(t, err)
	return cm, tm
}

func unshareableRef() ResourceRef {
	ref := DefaultResourceRef()
	ref.SharingScope = Unshareable
	return ref
}

func wrapperOf(t *testing.T, pm *PoolManager, handle connector.Handle) *ConnectionWrapper {
	t.Helper()
	h, ok := handle.(*fakeHandle)
	require.True(t, ok)
	w, ok := pm.WrapperFor(h.mc)
	require.True(t, ok)
	return w
}
