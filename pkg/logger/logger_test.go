package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseLevel(raw), raw)
	}
}

func TestNewHonoursLevel(t *testing.T) {
	log := New("helios", slog.LevelDebug)
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, New("helios", slog.LevelError).Enabled(context.Background(), slog.LevelWarn))
}
