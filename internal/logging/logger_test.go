package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewBuildsLoggers(t *testing.T) {
	t.Parallel()

	for _, cfg := range []Config{
		{Development: true},
		{Development: false},
		{Development: false, Level: "WARN"},
	} {
		logger, err := New(cfg)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}

func TestNewAppliesLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "error"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.WarnLevel))
	require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-1")
	require.Equal(t, "req-1", RequestID(ctx))
	FromContext(ctx, base).Info("with id")
	FromContext(context.Background(), base).Info("without id")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	require.NotContains(t, entries[1].ContextMap(), "request_id")
	require.NotNil(t, FromContext(ctx, nil))
}
