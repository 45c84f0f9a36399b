package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAppended(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := NewTracedLoggerFromCore(zap.New(core))

	ctx := WithVCPU(WithGuestID(context.Background(), "guest-1"), 3)
	l.Info(ctx, "fault handled", WithAddr("gpa", 0x2000))

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "guest-1", fields["guest.id"])
	assert.Equal(t, int64(3), fields["vcpu.id"])
	assert.Equal(t, "0x2000", fields["gpa"])
}

func TestNewLoggerAddsCores(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)

	l, err := NewLogger(context.Background(), LoggerConfig{
		ServiceName: "guestmem-test",
		Cores:       []zapcore.Core{core},
	})
	require.NoError(t, err)

	l.Debug(context.Background(), "dropped")
	l.Warn(context.Background(), "kept")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "guestmem-test", entries[0].ContextMap()["service"])
}
