package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection(t *testing.T) {
	unreachable := &ConnectionConfig{
		User:           "guest",
		Password:       "guest",
		Host:           "127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	}

	t.Run("unreachable broker", func(t *testing.T) {
		conn := NewAMQPConnection(unreachable, newTestLogger())

		err := conn.Start(context.Background())
		assert.ErrorContains(t, err, "dial amqp")
		require.NoError(t, conn.Stop())
	})

	t.Run("canceled context", func(t *testing.T) {
		conn := NewAMQPConnection(unreachable, newTestLogger())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := conn.OpenChannel(ctx)
		assert.Error(t, err)
	})

	t.Run("stopped connection opens no channels", func(t *testing.T) {
		conn := NewAMQPConnection(unreachable, newTestLogger())
		require.NoError(t, conn.Stop())

		_, err := conn.OpenChannel(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)

		mcf := conn.ManagedConnectionFactory("rabbit", ordersConfig())
		_, err = mcf.CreateManagedConnection(context.Background(), nil, nil)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}
