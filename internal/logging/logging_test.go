package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel(""); got != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", got)
	}
}

func TestParseLevelExplicitOverride(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"Error": slog.LevelError,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	l := New(Config{})
	if l == nil {
		t.Fatalf("expected non-nil logger")
	}
	l.Info("ready", "component", "logging_test")
}
