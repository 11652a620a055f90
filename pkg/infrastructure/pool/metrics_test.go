package pool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

func TestMetrics(t *testing.T) {
	pm := newTestPool(t, newFakeFactory(connector.LocalTransactionSupport), nil)
	metrics := NewMetrics(pm)

	free := reserveUnshared(t, pm, nil)
	reserveUnshared(t, pm, nil)
	stale := reserveUnshared(t, pm, nil)
	require.NoError(t, pm.Release(free, nil))
	stale.MarkStale()
	require.NoError(t, pm.Release(stale, nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.total))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.free))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.shared))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.unshared))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.waiters))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.destroyed))

	registry := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(registry))
	assert.Error(t, metrics.Register(registry))

	count, err := testutil.GatherAndCount(registry, "connpool_connections", "connpool_destroyed_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
