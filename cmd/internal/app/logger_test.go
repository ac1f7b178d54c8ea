package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
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

func TestNewHandler_Formats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json")).Info("ws.auth.ok", "device_id", "laptop")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json handler output is not json: %v (%q)", err, buf.String())
	}
	if line["msg"] != "ws.auth.ok" || line["device_id"] != "laptop" {
		t.Fatalf("unexpected json line: %v", line)
	}

	buf.Reset()
	slog.New(newHandler(&buf, "info", "pretty")).Info("ws.auth.ok", "device_id", "laptop")
	if !strings.Contains(buf.String(), "msg=ws.auth.ok") || !strings.Contains(buf.String(), "device_id=laptop") {
		t.Fatalf("unexpected pretty line: %q", buf.String())
	}
}

func TestNewHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", "text"))
	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("level filter not applied: %q", out)
	}
}
