package logging

import (
	"log/slog"
	"testing"

	"github.com/hortiva/hortiva-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewDoesNotPanic(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		for _, output := range []string{"stdout", "stderr", ""} {
			log := New(config.LoggingConfig{Level: "debug", Format: format, Output: output}, "test")
			if log == nil || log.Logger == nil {
				t.Fatalf("New(format=%q, output=%q) returned nil logger", format, output)
			}
		}
	}
}

func TestWithAddsAttributes(t *testing.T) {
	log := Default()
	child := log.With("component", "test")
	if child == nil || child.Logger == nil {
		t.Fatal("With() returned nil logger")
	}
	if child == log {
		t.Error("With() should return a new logger")
	}
}
