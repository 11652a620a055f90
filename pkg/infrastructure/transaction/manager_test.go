package transaction

import (
	"context"
	"io"
	"testing"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	"gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingXAResource struct {
	name       string
	calls      *[]string
	prepareErr error
	commitErr  error
}

func (r *recordingXAResource) record(call string) {
	*r.calls = append(*r.calls, r.name+"."+call)
}

func (r *recordingXAResource) Start(_ connector.Xid, _ int) error {
	r.record("start")
	return nil
}

func (r *recordingXAResource) End(_ connector.Xid, flags int) error {
	if flags == connector.TMFail {
		r.record("end-fail")
		return nil
	}
	r.record("end")
	return nil
}

func (r *recordingXAResource) Prepare(_ connector.Xid) (int, error) {
	r.record("prepare")
	return connector.XAOK, r.prepareErr
}

func (r *recordingXAResource) Commit(_ connector.Xid, onePhase bool) error {
	if onePhase {
		r.record("commit-1pc")
	} else {
		r.record("commit")
	}
	return r.commitErr
}

func (r *recordingXAResource) Rollback(_ connector.Xid) error {
	r.record("rollback")
	return nil
}

func (r *recordingXAResource) Recover(_ int) ([]connector.Xid, error) {
	return nil, nil
}

func (r *recordingXAResource) Forget(_ connector.Xid) error {
	return nil
}

type recordingSync struct {
	name  string
	calls *[]string
}

func (s *recordingSync) BeforeCompletion() {
	*s.calls = append(*s.calls, s.name+".before")
}

func (s *recordingSync) AfterCompletion(status transaction.Status) {
	*s.calls = append(*s.calls, s.name+".after."+status.String())
}

type recordingLocalResource struct {
	calls *[]string
}

func (r *recordingLocalResource) Start() error {
	*r.calls = append(*r.calls, "local.start")
	return nil
}

func (r *recordingLocalResource) Commit() error {
	*r.calls = append(*r.calls, "local.commit")
	return nil
}

func (r *recordingLocalResource) Rollback() error {
	*r.calls = append(*r.calls, "local.rollback")
	return nil
}

func newTestManager() Manager {
	impl := logrus.New()
	impl.SetOutput(io.Discard)
	return NewManager(logging.NewLogger(impl))
}

func TestGlobalTransaction(t *testing.T) {
	t.Run("single resource is committed in one phase", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tx, transaction.FromContext(ctx))

		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "a", calls: &calls}, 1, connector.TMNoFlags))
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []string{"a.start", "a.end", "a.commit-1pc"}, calls)
		assert.Equal(t, transaction.StatusCommitted, tx.Status())
	})

	t.Run("two resources are prepared before commit", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "a", calls: &calls}, 1, connector.TMNoFlags))
		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "b", calls: &calls}, 2, connector.TMNoFlags))
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []string{
			"a.start", "b.start",
			"a.end", "b.end",
			"a.prepare", "b.prepare",
			"a.commit", "b.commit",
		}, calls)
	})

	t.Run("prepare failure rolls back every branch", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "a", calls: &calls}, 1, connector.TMNoFlags))
		failing := &recordingXAResource{name: "b", calls: &calls, prepareErr: connector.NewXAError(connector.XAERRMFail, "")}
		require.NoError(t, tm.Enlist(tx, failing, 2, connector.TMNoFlags))

		err = tx.Commit(ctx)
		assert.ErrorIs(t, err, ErrRolledBack)
		assert.Contains(t, calls, "a.rollback")
		assert.Contains(t, calls, "b.rollback")
		assert.Equal(t, transaction.StatusRolledBack, tx.Status())
	})

	t.Run("one-phase resource is the last participant", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "xa", calls: &calls}, 1, connector.TMNoFlags))
		require.NoError(t, tm.EnlistOnePhase(tx, &recordingXAResource{name: "local", calls: &calls}))
		assert.ErrorIs(t, tm.EnlistOnePhase(tx, &recordingXAResource{name: "other", calls: &calls}), ErrOnePhaseEnlisted)
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []string{
			"xa.start", "local.start",
			"xa.end",
			"xa.prepare",
			"local.commit-1pc",
			"xa.commit",
		}, calls)
	})

	t.Run("synchronization tiers are ordered", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tm.RegisterSynchronization(tx, &recordingSync{name: "rrs", calls: &calls}, transaction.SyncTierRRS))
		require.NoError(t, tm.RegisterSynchronization(tx, &recordingSync{name: "normal", calls: &calls}, transaction.SyncTierNormal))
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []string{
			"normal.before", "rrs.before",
			"normal.after.COMMITTED", "rrs.after.COMMITTED",
		}, calls)
		assert.ErrorIs(t, tm.RegisterSynchronization(tx, &recordingSync{calls: &calls}, transaction.SyncTierNormal), ErrNotActive)
	})

	t.Run("rollback only", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		require.NoError(t, tm.Enlist(tx, &recordingXAResource{name: "a", calls: &calls}, 1, connector.TMNoFlags))
		tx.SetRollbackOnly()

		assert.ErrorIs(t, tx.Commit(ctx), ErrRolledBack)
		assert.Equal(t, []string{"a.start", "a.end-fail", "a.rollback"}, calls)
	})

	t.Run("recovery tokens", func(t *testing.T) {
		tm := newTestManager()
		token, err := tm.RegisterResourceInfo("jndiName=jdbc/orders", []byte("info"), 0)
		require.NoError(t, err)

		info, ok := tm.RecoveryInfo(token)
		require.True(t, ok)
		assert.Equal(t, "jndiName=jdbc/orders", info.Filter)

		_, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)
		require.NoError(t, tm.EnlistRecoveryToken(tx, token))
		assert.Equal(t, []int{token}, tx.RecoveryTokens())
	})
}

func TestLocalContainment(t *testing.T) {
	t.Run("container at boundary commits enlisted resources", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, ltc, err := tm.BeginLocal(context.Background(), transaction.ResolverContainerAtBoundary)
		require.NoError(t, err)
		assert.False(t, ltc.Global())

		require.NoError(t, tm.EnlistLocal(ltc, &recordingLocalResource{calls: &calls}))
		require.NoError(t, ltc.Complete(ctx))

		assert.Equal(t, []string{"local.start", "local.commit"}, calls)
		assert.Equal(t, transaction.StatusCommitted, ltc.Status())
	})

	t.Run("unresolved application resources are rolled back", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, ltc, err := tm.BeginLocal(context.Background(), transaction.ResolverApplication)
		require.NoError(t, err)

		resource := &recordingLocalResource{calls: &calls}
		assert.Error(t, tm.EnlistLocal(ltc, resource))
		require.NoError(t, tm.EnlistForCleanup(ltc, resource))
		require.NoError(t, ltc.Complete(ctx))

		assert.Equal(t, []string{"local.rollback"}, calls)
	})

	t.Run("delisted resources are left alone", func(t *testing.T) {
		var calls []string
		tm := newTestManager()
		ctx, ltc, err := tm.BeginLocal(context.Background(), transaction.ResolverApplication)
		require.NoError(t, err)

		resource := &recordingLocalResource{calls: &calls}
		require.NoError(t, tm.EnlistForCleanup(ltc, resource))
		require.NoError(t, tm.DelistFromCleanup(ltc, resource))
		require.NoError(t, ltc.Complete(ctx))

		assert.Empty(t, calls)
	})

	t.Run("global coordinator is rejected", func(t *testing.T) {
		tm := newTestManager()
		_, tx, err := tm.Begin(context.Background())
		require.NoError(t, err)

		err = tm.EnlistLocal(tx, &recordingLocalResource{calls: new([]string)})
		assert.True(t, errors.Is(err, ErrUnknownScope))
	})
}
