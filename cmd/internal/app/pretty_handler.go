package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler writes one human-readable line per record: ts, level, msg, then key=value
// attrs. HTTP and sync fields get colors when color is on.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteString(" lvl=")
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteString(" msg=")
	b.WriteString(paint(r.Message, ansiBright, h.color))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "path", "session_id", "device_id":
		return paint(quoteIfNeeded(v.String()), ansiCyan, h.color)
	case "status":
		// HTTP codes are ints; handoff transitions log their status name.
		if v.Kind() == slog.KindInt64 {
			return paint(strconv.FormatInt(v.Int64(), 10), statusColor(statusClass(int(v.Int64()))), h.color)
		}
		return paint(v.String(), resultColor(v.String()), h.color)
	case "status_class":
		return paint(v.String(), statusColor(v.String()), h.color)
	case "duration_ms":
		if v.Kind() == slog.KindInt64 {
			return paint(strconv.FormatInt(v.Int64(), 10)+"ms", durationColor(v.Int64()), h.color)
		}
	case "result":
		return paint(v.String(), resultColor(v.String()), h.color)
	case "err":
		return paint(quoteIfNeeded(v.String()), ansiRed, h.color)
	}

	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return quoteIfNeeded(v.String())
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}

func statusColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	}
	return ""
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiGreen
	}
}

func resultColor(result string) string {
	switch result {
	case "success", "completed":
		return ansiGreen
	case "client_error", "rejected", "cancelled", "expired":
		return ansiYellow
	case "server_error", "failed":
		return ansiRed
	}
	return ""
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}
