package obslog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestNewBuildsAUsableLogger(t *testing.T) {
	logger := New(Config{Level: "debug", Format: "json", Output: "stdout"})
	assert.NotNil(t, logger)
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	id := RequestID(context.Background())
	assert.NotEmpty(t, id)
}

func TestRequestIDRoundTripsThroughContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc-123")
	assert.Equal(t, "abc-123", RequestID(ctx))
}

func TestFromContextAnnotatesLoggerWithRequestID(t *testing.T) {
	logger := New(Config{Output: "stdout"})
	ctx := WithRequestID(context.Background(), "xyz")
	annotated := FromContext(ctx, logger)
	assert.NotSame(t, logger, annotated)
}

func TestFromContextPassesThroughWithoutRequestID(t *testing.T) {
	logger := New(Config{Output: "stdout"})
	annotated := FromContext(context.Background(), logger)
	assert.Same(t, logger, annotated)
}
