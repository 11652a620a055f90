package sharedpool

import (
	"fmt"
	"io"
	"testing"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	"gitea.xscloud.ru/xscloud/connpool/pkg/infrastructure/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type someCoordinator struct {
	id string
}

func (c *someCoordinator) ID() string { return c.id }
func (c *someCoordinator) Global() bool { return true }
func (c *someCoordinator) Status() transaction.Status { return transaction.StatusActive }
func (c *someCoordinator) Resolver() transaction.Resolver { return transaction.ResolverApplication }

type someCRI struct {
	value string
}

func (c *someCRI) Equal(other connector.ConnectionRequestInfo) bool {
	o, ok := other.(*someCRI)
	return ok && o.value == c.value
}

func (c *someCRI) Hash() uint32 {
	return uint32(len(c.value))
}

type someEntry struct {
	name        string
	coordinator transaction.Coordinator
	subject     *connector.Subject
	cri         connector.ConnectionRequestInfo
	handles     int
	coupling    connector.BranchCoupling
	trace       error
}

func (e *someEntry) SharedPoolCoordinator() transaction.Coordinator { return e.coordinator }
func (e *someEntry) SetSharedPoolCoordinator(c transaction.Coordinator) { e.coordinator = c }
func (e *someEntry) Subject() *connector.Subject { return e.subject }
func (e *someEntry) ConnectionRequestInfo() connector.ConnectionRequestInfo { return e.cri }
func (e *someEntry) HandleCount() int { return e.handles }
func (e *someEntry) HandleTrace() error { return e.trace }
func (e *someEntry) String() string { return e.name }

func newTestPool() (*Pool[*someEntry], *test.Hook) {
	impl := logrus.New()
	impl.SetOutput(io.Discard)
	hook := test.NewLocal(impl)
	return NewPool[*someEntry]("jdbc/test", logging.NewLogger(impl)), hook
}

func TestSharedPool(t *testing.T) {
	tx := &someCoordinator{id: "tx1"}
	subject := &connector.Subject{PrivateCredentials: []connector.Credential{"secret"}}
	cri := &someCRI{value: "user=app"}
	request := Request{Affinity: tx, Subject: subject, CRI: cri}

	t.Run("set then remove restores size", func(t *testing.T) {
		pool, _ := newTestPool()
		entry := &someEntry{name: "w1", subject: subject, cri: cri}

		before := pool.Size()
		pool.SetSharedConnection(tx, entry)
		assert.Equal(t, before+1, pool.Size())
		assert.Equal(t, transaction.Coordinator(tx), entry.SharedPoolCoordinator())

		require.NoError(t, pool.RemoveSharedConnection(entry))
		assert.Equal(t, before, pool.Size())
	})

	t.Run("removing a missing entry is a consistency error", func(t *testing.T) {
		pool, _ := newTestPool()
		pool.SetSharedConnection(tx, &someEntry{name: "w1"})

		err := pool.RemoveSharedConnection(&someEntry{name: "w2"})
		assert.True(t, errors.Is(err, ErrCorrupted))
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("removing a duplicated entry is a consistency error", func(t *testing.T) {
		pool, _ := newTestPool()
		entry := &someEntry{name: "w1"}
		pool.SetSharedConnection(tx, entry)
		pool.SetSharedConnection(tx, entry)

		assert.ErrorIs(t, pool.RemoveSharedConnection(entry), ErrCorrupted)
	})

	t.Run("matching connection is returned", func(t *testing.T) {
		pool, _ := newTestPool()
		other := &someEntry{name: "other", subject: subject, cri: cri}
		pool.SetSharedConnection(&someCoordinator{id: "tx2"}, other)
		entry := &someEntry{name: "w1", subject: &connector.Subject{PrivateCredentials: []connector.Credential{"secret"}}, cri: &someCRI{value: "user=app"}}
		pool.SetSharedConnection(tx, entry)

		found, ok := pool.GetSharedConnection(request, nil)
		require.True(t, ok)
		assert.Same(t, entry, found)
	})

	t.Run("fast path returns first entry", func(t *testing.T) {
		pool, _ := newTestPool()
		entry := &someEntry{name: "w1", subject: subject, cri: cri}
		pool.SetSharedConnection(tx, entry)

		found, ok := pool.GetSharedConnection(request, nil)
		require.True(t, ok)
		assert.Same(t, entry, found)
	})

	t.Run("nothing is shared without affinity", func(t *testing.T) {
		pool, _ := newTestPool()
		pool.SetSharedConnection(tx, &someEntry{name: "w1", subject: subject, cri: cri})

		_, ok := pool.GetSharedConnection(Request{Subject: subject, CRI: cri}, nil)
		assert.False(t, ok)
	})

	t.Run("subject and request info must match", func(t *testing.T) {
		pool, _ := newTestPool()
		pool.SetSharedConnection(tx, &someEntry{name: "w1", subject: subject, cri: &someCRI{value: "user=other"}})
		pool.SetSharedConnection(tx, &someEntry{name: "w2", subject: nil, cri: cri})

		_, ok := pool.GetSharedConnection(request, nil)
		assert.False(t, ok)
	})

	t.Run("incompatible coupling is skipped", func(t *testing.T) {
		pool, _ := newTestPool()
		loose := &someEntry{name: "loose", subject: subject, cri: cri, coupling: connector.BranchCouplingLoose}
		tight := &someEntry{name: "tight", subject: subject, cri: cri, coupling: connector.BranchCouplingTight}
		pool.SetSharedConnection(tx, loose)
		pool.SetSharedConnection(tx, tight)

		found, ok := pool.GetSharedConnection(request, func(candidate *someEntry) bool {
			return candidate.coupling == connector.BranchCouplingTight
		})
		require.True(t, ok)
		assert.Same(t, tight, found)
	})

	t.Run("serial reuse rejects connections with open handles", func(t *testing.T) {
		pool, hook := newTestPool()
		busy := &someEntry{name: "busy", subject: subject, cri: cri, handles: 1, trace: errors.New("allocated here")}
		idle := &someEntry{name: "idle", subject: subject, cri: cri}
		pool.SetSharedConnection(tx, busy)

		serial := request
		serial.EnforceSerialReuse = true
		_, ok := pool.GetSharedConnection(serial, nil)
		assert.False(t, ok)
		require.Len(t, hook.Entries, 1)
		assert.Contains(t, hook.LastEntry().Data["holder"], "allocated here")

		pool.SetSharedConnection(tx, idle)
		hook.Reset()
		found, ok := pool.GetSharedConnection(serial, nil)
		require.True(t, ok)
		assert.Same(t, idle, found)
		assert.Equal(t, 0, found.HandleCount())
		assert.Len(t, hook.Entries, 1)

		found, ok = pool.GetSharedConnection(request, nil)
		require.True(t, ok)
		assert.Same(t, busy, found)
	})

	t.Run("backing array doubles", func(t *testing.T) {
		pool, _ := newTestPool()
		for i := 0; i < defaultCapacity; i++ {
			pool.SetSharedConnection(tx, &someEntry{name: fmt.Sprintf("w%d", i)})
		}
		assert.Equal(t, defaultCapacity, pool.Capacity())

		pool.SetSharedConnection(tx, &someEntry{name: "overflow"})
		assert.Equal(t, 2*defaultCapacity, pool.Capacity())
		assert.Equal(t, defaultCapacity+1, pool.Size())
	})
}
