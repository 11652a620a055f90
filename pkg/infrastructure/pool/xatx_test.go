package pool

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	txmanager "gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/transaction"
)

func xaWrapperIn(t *testing.T, mcf connector.ManagedConnectionFactory, ref ResourceRef) (*ConnectionWrapper, *XATransactionWrapper, context.Context, txmanager.Transaction) {
	t.Helper()
	pm := newTestPool(t, mcf, nil)
	cm, tm := newTestManager(t, pm, ref)
	ctx, tx, err := tm.Begin(context.Background())
	require.NoError(t, err)
	handle, err := cm.AllocateConnection(ctx, nil)
	require.NoError(t, err)
	w := wrapperOf(t, pm, handle)
	tw, ok := w.transactionWrapper().(*XATransactionWrapper)
	require.True(t, ok)
	return w, tw, ctx, tx
}

func TestXATransactionWrapperFailures(t *testing.T) {
	t.Run("adapter error becomes XAER_RMERR", func(t *testing.T) {
		mcf := newFakeFactory(connector.XATransactionSupport)
		w, tw, _, _ := xaWrapperIn(t, mcf, unshareableRef())
		mcf.connections()[0].xa.prepareErr = errors.New("socket closed")

		_, err := tw.Prepare(connector.Xid{})
		var xaErr *connector.XAError
		require.ErrorAs(t, err, &xaErr)
		assert.Equal(t, connector.XAERRMErr, xaErr.Code)
		assert.True(t, w.IsStale())
	})

	t.Run("rolled back branch on failed end", func(t *testing.T) {
		mcf := newFakeFactory(connector.XATransactionSupport)
		w, tw, _, _ := xaWrapperIn(t, mcf, unshareableRef())
		mcf.connections()[0].xa.endErr = connector.NewXAError(connector.XARBDeadlock, "deadlock")

		err := tw.End(connector.Xid{}, connector.TMFail)
		var xaErr *connector.XAError
		require.ErrorAs(t, err, &xaErr)
		assert.True(t, xaErr.RolledBack())
		assert.False(t, w.IsStale())
	})

	t.Run("invalid xid keeps the connection", func(t *testing.T) {
		mcf := newFakeFactory(connector.XATransactionSupport)
		w, tw, _, _ := xaWrapperIn(t, mcf, unshareableRef())
		mcf.connections()[0].xa.commitErr = connector.NewXAError(connector.XAERNotA, "unknown xid")

		require.Error(t, tw.Commit(connector.Xid{}, true))
		assert.False(t, w.IsStale())
	})

	t.Run("rollback blocks enlistment", func(t *testing.T) {
		mcf := newFakeFactory(connector.XATransactionSupport)
		_, tw, _, _ := xaWrapperIn(t, mcf, unshareableRef())

		require.NoError(t, tw.Rollback(connector.Xid{}))
		require.NoError(t, tw.Delist())
		assert.ErrorIs(t, tw.Enlist(), ErrIllegalState)
	})
}

func TestXATransactionWrapperTwoPhaseCommit(t *testing.T) {
	mcf := newFakeFactory(connector.XATransactionSupport)
	pm := newTestPool(t, mcf, nil)
	cm, tm := newTestManager(t, pm, unshareableRef())

	ctx, tx, err := tm.Begin(context.Background())
	require.NoError(t, err)
	first, err := cm.AllocateConnection(ctx, nil)
	require.NoError(t, err)
	second, err := cm.AllocateConnection(ctx, nil)
	require.NoError(t, err)
	assert.NotSame(t, wrapperOf(t, pm, first), wrapperOf(t, pm, second))
	require.NoError(t, first.(*fakeHandle).Close())
	require.NoError(t, second.(*fakeHandle).Close())
	assert.Equal(t, 0, pm.Stats().Free)

	require.NoError(t, tx.Commit(ctx))
	for _, c := range mcf.connections() {
		assert.Equal(t, 1, c.xa.prepares)
		assert.Equal(t, []bool{false}, c.xa.commits)
	}
	assert.Equal(t, 2, pm.Stats().Free)
}

func TestXABranchCoupling(t *testing.T) {
	newCouplingFactory := func() *couplingFactory {
		return &couplingFactory{
			fakeFactory:     newFakeFactory(connector.XATransactionSupport),
			defaultCoupling: connector.BranchCouplingLoose,
		}
	}

	t.Run("start flag follows the reference", func(t *testing.T) {
		for coupling, flag := range map[connector.BranchCoupling]int{
			connector.BranchCouplingUnset: connector.TMNoFlags,
			connector.BranchCouplingLoose: connector.TMLooseCouple,
			connector.BranchCouplingTight: connector.TMTightCouple,
		} {
			mcf := newCouplingFactory()
			ref := unshareableRef()
			ref.BranchCoupling = coupling
			xaWrapperIn(t, mcf, ref)
			assert.Equal(t, []int{flag}, mcf.connections()[0].xa.started(), coupling.String())
		}
	})

	t.Run("factory without coupling support", func(t *testing.T) {
		mcf := newFakeFactory(connector.XATransactionSupport)
		ref := unshareableRef()
		ref.BranchCoupling = connector.BranchCouplingTight
		xaWrapperIn(t, mcf, ref)
		assert.Equal(t, []int{connector.TMNoFlags}, mcf.connections()[0].xa.started())
	})

	t.Run("match resolves the default", func(t *testing.T) {
		pm := newTestPool(t, newCouplingFactory(), nil)
		cm, _ := newTestManager(t, pm, DefaultResourceRef())

		assert.True(t, cm.MatchBranchCoupling(connector.BranchCouplingUnset, connector.BranchCouplingLoose))
		assert.False(t, cm.MatchBranchCoupling(connector.BranchCouplingUnset, connector.BranchCouplingTight))
		assert.True(t, cm.MatchBranchCoupling(connector.BranchCouplingTight, connector.BranchCouplingTight))

		plain := newTestPool(t, newFakeFactory(connector.XATransactionSupport), nil)
		plainCM, _ := newTestManager(t, plain, DefaultResourceRef())
		assert.True(t, plainCM.MatchBranchCoupling(connector.BranchCouplingLoose, connector.BranchCouplingTight))
	})

	t.Run("incompatible coupling is not shared", func(t *testing.T) {
		mcf := newCouplingFactory()
		pm := newTestPool(t, mcf, nil)
		tightRef := DefaultResourceRef()
		tightRef.BranchCoupling = connector.BranchCouplingTight
		tight, tm := newTestManager(t, pm, tightRef)
		loose, err := NewConnectionManager(pm, DefaultResourceRef(), tm, nil, pm.logger)
		require.NoError(t, err)

		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)
		first, err := tight.AllocateConnection(ctx, nil)
		require.NoError(t, err)
		second, err := loose.AllocateConnection(ctx, nil)
		require.NoError(t, err)
		assert.NotSame(t, wrapperOf(t, pm, first), wrapperOf(t, pm, second))

		third, err := tight.AllocateConnection(ctx, nil)
		require.NoError(t, err)
		assert.Same(t, wrapperOf(t, pm, first), wrapperOf(t, pm, third))

		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 2, pm.Stats().Free)
	})
}
