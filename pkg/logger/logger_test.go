package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

// TestContextHandler 測試上下文屬性會被加入日誌
func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWithWriter(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithSessionID(context.Background(), "abc")
	ctx = logger.WithRoom(ctx, "lobby")
	l.With("component", "test").InfoContext(ctx, "joined")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "joined", record["msg"])
	assert.Equal(t, "abc", record["session_id"])
	assert.Equal(t, "lobby", record["room"])
	assert.Equal(t, "test", record["component"])
	assert.NotContains(t, record, "request_id")
}

// TestLevel 測試日誌級別過濾
func TestLevel(t *testing.T) {
	tests := []struct {
		level   string
		logged  bool
		logFunc func(*slog.Logger)
	}{
		{level: "info", logged: false, logFunc: func(l *slog.Logger) { l.Debug("x") }},
		{level: "debug", logged: true, logFunc: func(l *slog.Logger) { l.Debug("x") }},
		{level: "warn", logged: false, logFunc: func(l *slog.Logger) { l.Info("x") }},
		{level: "error", logged: true, logFunc: func(l *slog.Logger) { l.Error("x") }},
		{level: "bogus", logged: true, logFunc: func(l *slog.Logger) { l.Info("x") }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFunc(logger.NewWithWriter(&buf, logger.Options{Level: tt.level}))
			assert.Equal(t, tt.logged, buf.Len() > 0)
		})
	}
}

// TestMetrics 測試指標日誌
func TestMetrics(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWithWriter(&buf, logger.Options{Format: "json"})

	logger.Metrics(context.Background(), l, "tick", 1500*time.Microsecond, slog.Int("rooms", 3))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "metrics", record["msg"])
	assert.Equal(t, "tick", record["operation"])
	assert.InDelta(t, 1.5, record["duration_ms"], 0.001)
	assert.EqualValues(t, 3, record["rooms"])
}
