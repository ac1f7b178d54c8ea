package app

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))
	log.Info("http.request", "method", "POST", "status", 201, "status_class", "2xx", "duration_ms", int64(12), "note", "two words")

	line := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=http.request", "method=POST", "status=201", "class=2xx", "duration=12ms", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain line has escape codes: %q", line)
	}
}

func TestPrettyHandler_ColorMatchesPlain(t *testing.T) {
	t.Parallel()

	var plain, colored bytes.Buffer
	emit := func(h slog.Handler) {
		slog.New(h).Warn("ws.rate_limited", "conn_id", "c1", "result", "client_error", "status", 429)
	}
	emit(newPrettyHandler(&plain, nil, false))
	emit(newPrettyHandler(&colored, nil, true))

	if !strings.Contains(colored.String(), ansiYellow) {
		t.Fatalf("expected colored output, got %q", colored.String())
	}
	// Timestamps differ between the two records, so compare everything after them.
	cut := func(s string) string { return s[strings.Index(s, " lvl="):] }
	if got, want := cut(stripANSI(colored.String())), cut(plain.String()); got != want {
		t.Fatalf("colored line differs from plain:\n got=%q\nwant=%q", got, want)
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("session_id", "s1").WithGroup("handoff")
	log.Info("handoff.transition", "status", "accepted")

	line := buf.String()
	if !strings.Contains(line, "session_id=s1") || !strings.Contains(line, "handoff.status=accepted") {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestPrettyHandler_StatusColors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status any
		want   string
	}{
		{status: 503, want: ansiRed + "503"},
		{status: 204, want: ansiGreen + "204"},
		{status: "completed", want: ansiGreen + "completed"},
		{status: "expired", want: ansiYellow + "expired"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		slog.New(newPrettyHandler(&buf, nil, true)).Info("x", "status", tc.status)
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("status %v: line %q missing %q", tc.status, buf.String(), tc.want)
		}
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Fatalf("error must be enabled at warn level")
	}
}
