package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info": slog.LevelInfo,
		"warn": slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelWarn,
		"": slog.LevelWarn,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		assert.NoError(t, err)
		assert.Equalf(t, want, got, "ParseLevel(%q)", input)
	}
}

func TestFilteringHandler_SuppressesBelowMinLevel(t *testing.T) {
	h := &filteringHandler{handler: slog.NewTextHandler(nil, nil), minLevel: slog.LevelWarn}
	assert.False(t, h.Enabled(nil, slog.LevelInfo))
	assert.True(t, h.Enabled(nil, slog.LevelError))
}
