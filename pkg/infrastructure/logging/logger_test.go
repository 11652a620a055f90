package logging

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("fields are carried to entries", func(t *testing.T) {
		impl, hook := test.NewNullLogger()
		logger := NewLogger(impl)

		logger.WithField("pool", "jdbc/orders").Info("pool started")

		require.Len(t, hook.Entries, 1)
		assert.Equal(t, "jdbc/orders", hook.LastEntry().Data["pool"])
		assert.Equal(t, "pool started", hook.LastEntry().Message)
	})

	t.Run("errors get a stack field", func(t *testing.T) {
		impl := logrus.New()
		impl.SetOutput(io.Discard)
		impl.AddHook(NewStackTraceHook())
		hook := test.NewLocal(impl)
		logger := NewLogger(impl)

		logger.Error(errors.New("connection refused"), "create failed")

		require.Len(t, hook.Entries, 1)
		entry := hook.LastEntry()
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, "connection refused", entry.Data[logrus.ErrorKey])
		assert.NotEmpty(t, entry.Data[stackKey])
	})

	t.Run("warning keeps error", func(t *testing.T) {
		impl, hook := test.NewNullLogger()
		logger := NewLogger(impl)

		logger.WithFields(map[string]interface{}{"connection": "c1"}).Warning(errors.New("stale"), "destroying")

		require.Len(t, hook.Entries, 1)
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		assert.Equal(t, "c1", hook.LastEntry().Data["connection"])
	})

	t.Run("warning without error", func(t *testing.T) {
		impl, hook := test.NewNullLogger()
		logger := NewLogger(impl)

		logger.Warning(nil, "connection obtained outside of a unit of work")

		require.Len(t, hook.Entries, 1)
		_, ok := hook.LastEntry().Data[logrus.ErrorKey]
		assert.False(t, ok)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := NewJSONLogger(&Config{AppName: "app", Level: "loud"})
		assert.Error(t, err)
	})
}
