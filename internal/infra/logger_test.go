package infra

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		env, level string
		want       zerolog.Level
	}{
		{"development", "", zerolog.DebugLevel},
		{"production", "", zerolog.InfoLevel},
		{"production", "warn", zerolog.WarnLevel},
		{"development", "error", zerolog.ErrorLevel},
		{"production", "loud", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		logger := NewLogger(tc.env, tc.level)
		if got := logger.GetLevel(); got != tc.want {
			t.Fatalf("NewLogger(%q, %q) level = %s, want %s", tc.env, tc.level, got, tc.want)
		}
	}
}
