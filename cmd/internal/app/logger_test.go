package app

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if _, ok := newHandler(&buf, "info", "json").(*slog.JSONHandler); !ok {
		t.Fatalf("json format must use slog.JSONHandler")
	}
	if _, ok := newHandler(&buf, "info", "").(*slog.JSONHandler); !ok {
		t.Fatalf("empty format must default to JSON")
	}
	ph, ok := newHandler(&buf, "debug", "PRETTY").(*prettyHandler)
	if !ok {
		t.Fatalf("pretty format must use prettyHandler")
	}
	if ph.color {
		t.Fatalf("non-terminal writer must not be colored")
	}
}
