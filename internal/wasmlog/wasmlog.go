// Package wasmlog adapts the standard log/slog.Handler interface to the
// Proxy-Wasm host's log hostcalls, so the rest of this module (index,
// runtime, expr, executor, service) logs through an ordinary *slog.Logger
// and never imports proxywasm directly.
//
// Grounded on the teacher's log/slog usage throughout internal/extproc and
// cmd/extproc/mainlib (structured fields via slog.String/slog.Any); the
// native cmd/configvalidate binary instead wires
// slog.New(slog.NewTextHandler(os.Stderr, ...)) directly, matching the
// teacher's mainlib wiring, since it has a real stderr to write to.
package wasmlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
)

// Handler implements slog.Handler over hostabi.Host.Log.
type Handler struct {
	host  hostabi.Host
	level slog.Level
	attrs []slog.Attr
	group string
}

// NewHandler returns a slog.Handler that writes through host at or above
// minLevel.
func NewHandler(host hostabi.Host, minLevel slog.Level) *Handler {
	return &Handler{host: host, level: minLevel}
}

// NewLogger is the common case: an *slog.Logger backed by a wasmlog.Handler.
func NewLogger(host hostabi.Host, minLevel slog.Level) *slog.Logger {
	return slog.New(NewHandler(host, minLevel))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&sb, " %s=%v", key, a.Value)
		return true
	})
	h.host.Log(toHostLevel(r.Level), sb.String())
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}

// ParseLevel maps a configuration document's default_log_level string
// (spec's Observability.DefaultLogLevel) to an slog.Level, defaulting to
// Info for an empty or unrecognized value rather than erroring — log level
// is operational tuning, not something a malformed value should fail a
// config load over.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toHostLevel(l slog.Level) hostabi.LogLevel {
	switch {
	case l < slog.LevelDebug:
		return hostabi.LogLevelTrace
	case l < slog.LevelInfo:
		return hostabi.LogLevelDebug
	case l < slog.LevelWarn:
		return hostabi.LogLevelInfo
	case l < slog.LevelError:
		return hostabi.LogLevelWarn
	default:
		return hostabi.LogLevelError
	}
}
