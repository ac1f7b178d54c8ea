package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// source reads typed values from viper. Every getter falls back to def when the key is
// unset, blank, or does not parse, so a typo in one variable never zeroes a setting.
type source struct {
	v *viper.Viper
}

func (s source) raw(key string) string {
	return strings.TrimSpace(s.v.GetString(key))
}

// String reads a string with a default.
func (s source) String(key, def string) string {
	v := s.raw(key)
	if v == "" {
		return def
	}
	return v
}

// Bool reads a bool with a default.
func (s source) Bool(key string, def bool) bool {
	v := s.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads a positive int with a default.
func (s source) Int(key string, def int) int {
	v := s.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32 with a default.
func (s source) Int32(key string, def int32) int32 {
	v := s.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration reads a positive duration ("250ms", "10m") with a default.
func (s source) Duration(key string, def time.Duration) time.Duration {
	v := s.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// List reads a comma-separated list from env, or a native list from a config file.
func (s source) List(key string, def []string) []string {
	var parts []string
	switch s.v.Get(key).(type) {
	case []any, []string:
		parts = s.v.GetStringSlice(key)
	default:
		parts = strings.Split(s.raw(key), ",")
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
