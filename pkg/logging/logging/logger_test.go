package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, DefaultLogger(), FromContext(context.Background()))
}

func TestWithFieldsAddsToContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	ctx = WithFields(ctx, zap.String("request_id", "r-1"))
	L(ctx).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "r-1", entries[0].ContextMap()["request_id"])
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger := NewLogger(Options{Level: "warn"})
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestSetDefaultWhileLogging(t *testing.T) {
	prev := DefaultLogger()
	t.Cleanup(func() { SetDefault(prev) })

	replacement := zap.NewNop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				FromContext(context.Background()).Debug("tick")
			}
		}()
	}
	SetDefault(replacement)
	wg.Wait()

	assert.Same(t, replacement, DefaultLogger())

	SetDefault(nil)
	assert.Same(t, replacement, DefaultLogger(), "nil must not clear the default")
}
